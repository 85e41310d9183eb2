package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/chatrelay/pkg/logger"
)

// Snapshotter writes periodic snapshots of the store and limiter. A write
// failure is logged and the in-memory state keeps serving; the next cycle
// retries. The schedule is either a fixed interval or a cron expression.
type Snapshotter struct {
	path     string
	interval time.Duration
	cron     string
	store    *Store
	limiter  *Limiter
}

func NewSnapshotter(path string, interval time.Duration, cronExpr string, store *Store, limiter *Limiter) (*Snapshotter, error) {
	if cronExpr != "" && !gronx.New().IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid snapshot cron expression: %q", cronExpr)
	}
	if cronExpr == "" && interval <= 0 {
		interval = time.Minute
	}
	return &Snapshotter{
		path:     path,
		interval: interval,
		cron:     cronExpr,
		store:    store,
		limiter:  limiter,
	}, nil
}

// Run blocks until ctx is canceled, snapshotting on schedule. A final
// snapshot on shutdown is the caller's job (SnapshotNow) so it can run
// after the orchestrator has drained.
func (sn *Snapshotter) Run(ctx context.Context) {
	logger.InfoCF("persistence", "Snapshotter started", map[string]interface{}{
		"path":     sn.path,
		"interval": sn.interval.String(),
		"cron":     sn.cron,
	})

	for {
		wait, err := sn.nextWait(time.Now())
		if err != nil {
			logger.ErrorCF("persistence", "Failed to compute next snapshot time", map[string]interface{}{
				"error": err.Error(),
			})
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("persistence", "Snapshotter stopped")
			return
		case <-timer.C:
		}

		if !sn.store.Dirty() && !sn.limiter.Dirty() {
			continue
		}
		if err := sn.SnapshotNow(); err != nil {
			logger.ErrorCF("persistence", "Snapshot write failed, state continues in memory", map[string]interface{}{
				"error": err.Error(),
				"path":  sn.path,
			})
		}
	}
}

func (sn *Snapshotter) nextWait(now time.Time) (time.Duration, error) {
	if sn.cron == "" {
		return sn.interval, nil
	}
	next, err := gronx.NextTickAfter(sn.cron, now, false)
	if err != nil {
		return 0, err
	}
	return next.Sub(now), nil
}

// SnapshotNow captures and writes a snapshot immediately, regardless of
// the dirty flags. The flags are cleared before the capture: a mutation
// landing while the file is being written re-dirties the state and is
// picked up by the next cycle instead of being skipped.
func (sn *Snapshotter) SnapshotNow() error {
	sn.store.ClearDirty()
	sn.limiter.ClearDirty()

	snap := Capture(sn.store, sn.limiter)
	if err := snap.WriteFile(sn.path); err != nil {
		sn.store.dirty.Store(true)
		sn.limiter.dirty.Store(true)
		return err
	}

	logger.DebugCF("persistence", "Snapshot written", map[string]interface{}{
		"chats": len(snap.Conversations),
		"users": len(snap.RateLimits),
	})
	return nil
}
