package sqlstore

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/logging"
)

// Pruner deletes entries older than a cutoff.
type Pruner interface {
	DeleteBefore(cutoff time.Time) (int64, error)
}

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	Interval      time.Duration
	Logger        *zap.Logger
}

// RetentionCleaner periodically deletes entries older than the retention
// period.
type RetentionCleaner struct {
	pruner        Pruner
	retentionDays int
	interval      time.Duration
	logger        *zap.Logger
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewRetentionCleaner creates and starts a retention cleaner.
// Returns nil when retention is 0 (disabled).
func NewRetentionCleaner(pruner Pruner, conf RetentionConfig) *RetentionCleaner {
	if conf.RetentionDays <= 0 || pruner == nil {
		return nil
	}
	interval := conf.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	rc := &RetentionCleaner{
		pruner:        pruner,
		retentionDays: conf.RetentionDays,
		interval:      interval,
		logger:        logging.OrNop(conf.Logger),
		done:          make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()

	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := time.Now().Add(-time.Duration(rc.retentionDays) * 24 * time.Hour)

	rows, err := rc.pruner.DeleteBefore(cutoff)
	if err != nil {
		rc.logger.Error("retention: cleanup failed", zap.Error(err))
		return
	}
	if rows > 0 {
		rc.logger.Info("retention: deleted expired entries",
			zap.Int64("rows", rows), zap.Int("retention_days", rc.retentionDays))
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
