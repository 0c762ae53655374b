package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"lockbox/pkg/config"
	"lockbox/pkg/logger"
	"lockbox/pkg/models"
	"lockbox/pkg/store"
)

// Start starts the update-log sweeper if enabled. The durable update
// log grows with every processed tuple; the sweeper prunes entries
// older than the configured period on the cron schedule. Pending
// entries and device mailboxes are never touched. Returns a cancel
// func.
func Start(ctx context.Context, st *store.Store, cfg config.RetentionConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", cfg.Period.Duration().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, st, cfg, cronExpr)
	return cancel, nil
}

func runScheduler(ctx context.Context, st *store.Store, cfg config.RetentionConfig, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if _, err := RunOnce(st, cfg.Period.Duration()); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce deletes update-log entries whose timestamp is older than
// period and returns how many were removed. Exported so admin triggers
// and tests can invoke a sweep on demand.
func RunOnce(st *store.Store, period time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-period).UnixNano()
	keys, err := st.ScanKeys(store.NSUpdateLog, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		u, err := models.ParseUpdateKey(key)
		if err != nil {
			// malformed log entries are left for diagnosis
			continue
		}
		if u.TS >= cutoff {
			continue
		}
		if err := st.Delete(store.NSUpdateLog, "", key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		logger.Info("update_log_pruned", "removed", removed)
	}
	return removed, nil
}
