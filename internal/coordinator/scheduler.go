package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
)

// RequestSync posts a sync request onto the coordinator queue. Requests
// arriving while one is already queued collapse into it.
func (c *Coordinator) RequestSync() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// Run services the request queue until ctx is cancelled. It is the single
// consumer: every sync cycle, scheduled or connectivity-triggered, funnels
// through here.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.requests:
			if _, err := c.RunCycle(ctx); err != nil && !errors.Is(err, common.ErrCycleRunning) {
				c.log.Error(ctx, "sync cycle failed", "error", err)
			}
		}
	}
}

// StartScheduler posts a sync request every interval until ctx is
// cancelled. Stopping is explicit via the context, never implicit.
func (c *Coordinator) StartScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RequestSync()
		case <-ctx.Done():
			return
		}
	}
}

// StartConnectivityWatcher probes the authority every interval and posts a
// sync request on the transition back to reachable, so queued changes go
// out as soon as the device is online again.
func (c *Coordinator) StartConnectivityWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := false
	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.client.Ping(probeCtx)
			cancel()

			if err != nil {
				if online {
					online = false
					c.log.Info(ctx, "connectivity lost")
				}
				continue
			}
			if !online {
				online = true
				c.log.Info(ctx, "connectivity restored, requesting sync")
				c.RequestSync()
			}

		case <-ctx.Done():
			return
		}
	}
}
