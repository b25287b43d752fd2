package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/plugins"
	"github.com/platinummonkey/novelhub/pkg/storage"
)

const backend = "postgres"

var tracer = otel.Tracer("github.com/platinummonkey/novelhub/pkg/storage/postgres")

// Schema creates the plugins table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS plugins (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	version          TEXT NOT NULL DEFAULT '',
	author           TEXT NOT NULL DEFAULT '',
	unit_location    TEXT NOT NULL,
	icon             TEXT NOT NULL DEFAULT '',
	output_extension TEXT NOT NULL DEFAULT '',
	installed_at     TIMESTAMP NOT NULL,
	UNIQUE (kind, name)
)`

// Repository implements plugins.Repository on PostgreSQL.
type Repository struct {
	conns   *ConnectionManager
	log     *logrus.Logger
	metrics *observability.Metrics
}

// NewRepository connects using config and ensures the schema exists.
func NewRepository(config storage.Config, log *logrus.Logger, metrics *observability.Metrics) (*Repository, error) {
	conns, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL:  config.PostgresURL,
		MaxConns:    config.PostgresMaxConns,
		MinConns:    config.PostgresMinConns,
		Timeout:     config.PostgresTimeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, log)
	if err != nil {
		return nil, err
	}

	repo := NewRepositoryFromConnections(conns, log, metrics)
	ctx, cancel := context.WithTimeout(context.Background(), config.PostgresTimeout)
	defer cancel()
	if err := repo.Migrate(ctx); err != nil {
		conns.Close()
		return nil, err
	}
	return repo, nil
}

// NewRepositoryFromConnections wraps an existing connection manager.
func NewRepositoryFromConnections(conns *ConnectionManager, log *logrus.Logger, metrics *observability.Metrics) *Repository {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Repository{conns: conns, log: log, metrics: metrics}
}

// Migrate creates the plugins table if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.conns.Primary().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create plugins table: %w", err)
	}
	return nil
}

// GetAll implements plugins.Repository.GetAll. Entries are sorted by name.
func (r *Repository) GetAll(ctx context.Context, kind plugins.Kind) (all []plugins.Metadata, err error) {
	ctx, span := r.startSpan(ctx, "GetAll", attribute.String("plugin.kind", string(kind)))
	defer func() { r.finish(span, "get_all", err) }()

	query := `
		SELECT id, kind, name, description, version, author, unit_location, icon, output_extension, installed_at
		FROM plugins
		WHERE kind = $1
		ORDER BY name
	`
	rows, err := r.conns.Primary().QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var meta plugins.Metadata
		var k string
		if err := rows.Scan(
			&meta.ID,
			&k,
			&meta.Name,
			&meta.Description,
			&meta.Version,
			&meta.Author,
			&meta.UnitLocation,
			&meta.Icon,
			&meta.OutputExtension,
			&meta.InstalledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		meta.Kind = plugins.Kind(k)
		all = append(all, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	return all, nil
}

// Add implements plugins.Repository.Add. A second plugin with the same kind
// and name fails with plugins.ErrConflict.
func (r *Repository) Add(ctx context.Context, meta plugins.Metadata) (_ plugins.Metadata, err error) {
	ctx, span := r.startSpan(ctx, "Add",
		attribute.String("plugin.kind", string(meta.Kind)),
		attribute.String("plugin.name", meta.Name),
	)
	defer func() { r.finish(span, "add", err) }()

	meta.ID = uuid.NewString()
	if meta.InstalledAt.IsZero() {
		meta.InstalledAt = time.Now()
	}
	meta.InstalledAt = meta.InstalledAt.UTC().Truncate(time.Microsecond)

	query := `
		INSERT INTO plugins (id, kind, name, description, version, author, unit_location, icon, output_extension, installed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (kind, name) DO NOTHING
	`
	res, err := r.conns.Primary().ExecContext(ctx, query,
		meta.ID,
		string(meta.Kind),
		meta.Name,
		meta.Description,
		meta.Version,
		meta.Author,
		meta.UnitLocation,
		meta.Icon,
		meta.OutputExtension,
		meta.InstalledAt,
	)
	if err != nil {
		return plugins.Metadata{}, fmt.Errorf("failed to insert plugin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return plugins.Metadata{}, fmt.Errorf("failed to insert plugin: %w", err)
	}
	if n == 0 {
		return plugins.Metadata{}, fmt.Errorf("%s %s: %w", meta.Kind, meta.Name, plugins.ErrConflict)
	}
	return meta, nil
}

// Remove implements plugins.Repository.Remove.
func (r *Repository) Remove(ctx context.Context, kind plugins.Kind, name string) (err error) {
	ctx, span := r.startSpan(ctx, "Remove",
		attribute.String("plugin.kind", string(kind)),
		attribute.String("plugin.name", name),
	)
	defer func() { r.finish(span, "remove", err) }()

	res, err := r.conns.Primary().ExecContext(ctx, `DELETE FROM plugins WHERE kind = $1 AND name = $2`, string(kind), name)
	if err != nil {
		return fmt.Errorf("failed to delete plugin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete plugin: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, name, plugins.ErrNotFound)
	}
	return nil
}

// HealthCheck pings the database and publishes pool statistics.
func (r *Repository) HealthCheck(ctx context.Context) error {
	r.metrics.RecordDBStats(r.conns.Stats())
	return r.conns.HealthCheck(ctx)
}

// Close closes the underlying connections.
func (r *Repository) Close() error {
	return r.conns.Close()
}

func (r *Repository) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"), attribute.String("db.operation", op))
	return tracer.Start(ctx, "PostgresRepository."+op, trace.WithAttributes(attrs...))
}

func (r *Repository) finish(span trace.Span, op string, err error) {
	r.metrics.RecordRepositoryOperation(op, backend, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	span.End()
}
