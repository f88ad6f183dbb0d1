package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hollowaylabs/gatewarden/internal/kernel"
	"github.com/hollowaylabs/gatewarden/internal/metrics"
)

// runJanitor runs periodic background maintenance tasks:
//   - Force a session GC sweep, supplementing the traffic-triggered
//     probabilistic sweep on low-traffic deployments.
//   - Update the DBSizeBytes Prometheus gauge (for on-disk stores).
//
// It returns when ctx is cancelled.
func runJanitor(ctx context.Context, engine *kernel.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reclaimed, err := engine.Sweep(time.Now()); err != nil {
				log.Warn().Err(err).Msg("janitor: sweep failed")
			} else if reclaimed > 0 {
				log.Debug().Int("reclaimed", reclaimed).Msg("janitor: sweep completed")
			}
			if path := engine.DBPath(); path != "" {
				if info, err := os.Stat(path); err == nil {
					metrics.DBSizeBytes.Set(float64(info.Size()))
				}
			}
		}
	}
}
