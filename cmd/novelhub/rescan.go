package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/plugins"
)

// rescanTimeout bounds one scheduled rediscovery across all registries.
const rescanTimeout = 5 * time.Minute

// newRescanScheduler returns a cron scheduler that periodically rediscovers
// every target, or nil when schedule is empty. Runs never overlap.
func newRescanScheduler(schedule string, log *logrus.Logger, targets ...plugins.Lifecycle) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))))
	if _, err := c.AddFunc(schedule, func() { rediscover(context.Background(), log, targets...) }); err != nil {
		return nil, fmt.Errorf("invalid rescan schedule %q: %w", schedule, err)
	}
	log.WithField("schedule", schedule).Info("Plugin rescan scheduled")
	return c, nil
}

// rediscover runs Discover on each target. A failing target does not stop
// the others.
func rediscover(ctx context.Context, log *logrus.Logger, targets ...plugins.Lifecycle) {
	defer observability.RecoverPanic(log, "plugin rediscovery")

	ctx, cancel := context.WithTimeout(ctx, rescanTimeout)
	defer cancel()

	for _, target := range targets {
		entry := log.WithField("kind", target.Kind())
		start := time.Now()
		if err := target.Discover(ctx); err != nil {
			entry.WithError(err).Warn("Scheduled rediscovery failed")
			continue
		}
		entry.WithFields(logrus.Fields{
			"plugins":  len(target.Descriptors()),
			"duration": time.Since(start),
		}).Debug("Scheduled rediscovery complete")
	}
}
