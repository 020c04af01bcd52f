package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/tinytelemetry/lookout/internal/model"
)

func TestRetentionCleaner_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 1})
	if cleaner == nil {
		t.Fatal("expected non-nil retention cleaner")
	}

	cleaner.Stop()
	cleaner.Stop()
}

func TestRetentionCleaner_DisabledReturnsNil(t *testing.T) {
	store := newTestStore(t)
	if c := NewRetentionCleaner(store, RetentionConfig{}); c != nil {
		t.Fatal("expected nil cleaner when retention is 0")
	}
	var c *RetentionCleaner
	c.Stop()
}

func TestRetentionCleaner_StartupCleanup(t *testing.T) {
	store := newTestStore(t)
	insertEntries(t, store,
		testEntry(model.TypeLog, "old", time.Now(), -3*24*time.Hour),
		testEntry(model.TypeLog, "new", time.Now(), 0),
	)

	cleaner := NewRetentionCleaner(store, RetentionConfig{RetentionDays: 2, Interval: time.Hour})
	defer cleaner.Stop()

	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count after startup cleanup = %d, want 1", n)
	}
}
