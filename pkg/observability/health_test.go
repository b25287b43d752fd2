package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Check(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("connection refused") }
	degraded := func(context.Context) error { return ErrDegraded }

	tests := []struct {
		name   string
		setup  func(h *HealthChecker)
		status string
	}{
		{
			name:   "no checks",
			setup:  func(*HealthChecker) {},
			status: StatusHealthy,
		},
		{
			name: "all healthy",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, ok)
				h.AddCheck("redis", false, ok)
			},
			status: StatusHealthy,
		},
		{
			name: "critical failure",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, fail)
				h.AddCheck("redis", false, ok)
			},
			status: StatusUnhealthy,
		},
		{
			name: "non-critical failure",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, ok)
				h.AddCheck("redis", false, fail)
			},
			status: StatusDegraded,
		},
		{
			name: "critical check reporting degraded",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, degraded)
			},
			status: StatusDegraded,
		},
		{
			name: "unhealthy wins over degraded",
			setup: func(h *HealthChecker) {
				h.AddCheck("redis", false, fail)
				h.AddCheck("database", true, fail)
			},
			status: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("1.2.3")
			tt.setup(h)

			status := h.Check(context.Background())
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, "1.2.3", status.Version)
			assert.False(t, status.Timestamp.IsZero())
		})
	}
}

func TestHealthChecker_CheckRecordsDependencies(t *testing.T) {
	h := NewHealthChecker("dev")
	h.AddCheck("database", true, func(context.Context) error { return nil })
	h.AddCheck("redis", false, func(context.Context) error { return errors.New("timeout") })

	status := h.Check(context.Background())
	require.Len(t, status.Dependencies, 2)

	assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
	assert.Empty(t, status.Dependencies["database"].Message)

	assert.Equal(t, StatusDegraded, status.Dependencies["redis"].Status)
	assert.Equal(t, "timeout", status.Dependencies["redis"].Message)
}

func TestHealthChecker_CheckRecoversPanic(t *testing.T) {
	h := NewHealthChecker("dev")
	h.AddCheck("flaky", true, func(context.Context) error { panic("boom") })

	status := h.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "check panicked", status.Dependencies["flaky"].Message)
}

func TestDatabaseCheck(t *testing.T) {
	t.Run("successful ping and query", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		db.SetMaxOpenConns(10)

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		assert.NoError(t, DatabaseCheck(db)(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		err = DatabaseCheck(db)(context.Background())
		assert.EqualError(t, err, "connection refused")
	})

	t.Run("query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("query timeout"))

		err = DatabaseCheck(db)(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query failed")
		assert.NotErrorIs(t, err, ErrDegraded)
	})

	t.Run("exhausted pool is degraded", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		db.SetMaxOpenConns(1)

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		err = DatabaseCheck(db)(context.Background())
		assert.ErrorIs(t, err, ErrDegraded)

		h := NewHealthChecker("dev")
		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		h.AddCheck("database", true, DatabaseCheck(db))
		assert.Equal(t, StatusDegraded, h.Check(context.Background()).Status)
	})
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	assert.NoError(t, RedisCheck(client)(context.Background()))

	mr.Close()
	assert.Error(t, RedisCheck(client)(context.Background()))
}

func TestRegisterHealthRoutes(t *testing.T) {
	healthy := NewHealthChecker("dev")
	healthy.AddCheck("database", true, func(context.Context) error { return nil })

	unhealthy := NewHealthChecker("dev")
	unhealthy.AddCheck("database", true, func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name    string
		checker *HealthChecker
		method  string
		path    string
		code    int
		status  string
	}{
		{"liveness", unhealthy, http.MethodGet, "/health/live", http.StatusOK, StatusHealthy},
		{"readiness healthy", healthy, http.MethodGet, "/health/ready", http.StatusOK, StatusHealthy},
		{"readiness unhealthy", unhealthy, http.MethodGet, "/health/ready", http.StatusServiceUnavailable, StatusUnhealthy},
		{"health alias", unhealthy, http.MethodGet, "/health", http.StatusServiceUnavailable, StatusUnhealthy},
		{"wrong method", healthy, http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mux.NewRouter()
			RegisterHealthRoutes(r, tt.checker)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)

			if tt.status == "" {
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestHealthStatus_JSON(t *testing.T) {
	h := NewHealthChecker("1.0.0")
	h.AddCheck("redis", false, func(context.Context) error { return errors.New("timeout") })

	data, err := json.Marshal(h.Check(context.Background()))
	require.NoError(t, err)

	var decoded HealthStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StatusDegraded, decoded.Status)
	assert.Equal(t, "1.0.0", decoded.Version)
	assert.Equal(t, "timeout", decoded.Dependencies["redis"].Message)
}
