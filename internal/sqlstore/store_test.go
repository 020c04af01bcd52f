package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinytelemetry/lookout/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachDriver(t *testing.T, fn func(t *testing.T, store *Store)) {
	for _, driver := range []string{DriverDuckDB, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			store, err := Open(Config{Driver: driver})
			if err != nil {
				t.Fatalf("Open(%s): %v", driver, err)
			}
			t.Cleanup(func() { store.Close() })
			fn(t, store)
		})
	}
}

// testEntry builds an entry with a fixed timestamp offset from base so
// ordering assertions are deterministic.
func testEntry(typ model.EntryType, batchID string, base time.Time, offset time.Duration, tags ...string) *model.Entry {
	e := model.NewEntry(map[string]any{"message": string(typ)}).
		WithType(typ).
		WithBatchID(batchID).
		WithTags(tags...)
	e.RecordedAt = base.Add(offset)
	return e
}

func insertEntries(t *testing.T, store *Store, entries ...*model.Entry) {
	t.Helper()
	if err := store.Create(context.Background(), entries); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
}

func TestCreate_RoundTrip(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		e := model.NewEntry(map[string]any{
			"message": "GET /orders",
			"status":  200,
			"nested":  map[string]any{"k": "v"},
		}).WithType(model.TypeRequest).
			WithBatchID("batch-1").
			WithTags("orders", "slow").
			WithActor(&model.Actor{ID: "9", Email: "ops@example.com"}).
			WithDevice(map[string]any{"os": "linux"})

		insertEntries(t, store, e)

		got, err := store.GetByID(context.Background(), e.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got == nil {
			t.Fatal("GetByID returned nil for stored entry")
		}
		if got.Content["message"] != "GET /orders" || got.Content["status"] != float64(200) {
			t.Errorf("content = %v", got.Content)
		}
		if nested, _ := got.Content["nested"].(map[string]any); nested["k"] != "v" {
			t.Errorf("nested content = %v", got.Content["nested"])
		}
		if len(got.Tags) != 3 || got.Tags[0] != "orders" || got.Tags[1] != "slow" || got.Tags[2] != "Auth:9" {
			t.Errorf("tags = %v", got.Tags)
		}
		if got.Actor == nil || got.Actor.Email != "ops@example.com" {
			t.Errorf("actor = %+v", got.Actor)
		}
		if got.Device["os"] != "linux" {
			t.Errorf("device = %v", got.Device)
		}
		if !got.CreatedAt.Equal(e.RecordedAt) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, e.RecordedAt)
		}
		if got.Type != model.TypeRequest || got.BatchID != "batch-1" {
			t.Errorf("type/batch = %s/%s", got.Type, got.BatchID)
		}
	})
}

func TestCreate_AllOrNothing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		good := testEntry(model.TypeLog, "b", time.Now(), 0)
		bad := model.NewEntry(nil).WithType("span")

		err := store.Create(context.Background(), []*model.Entry{good, bad})
		if !errors.Is(err, model.ErrUndeliverable) {
			t.Fatalf("Create error = %v, want ErrUndeliverable", err)
		}
		n, err := store.Count(context.Background())
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 0 {
			t.Errorf("Count = %d after rejected batch, want 0", n)
		}
	})
}

func TestCreate_DuplicateIDsIgnored(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		e := testEntry(model.TypeJob, "b", time.Now(), 0)
		insertEntries(t, store, e)
		insertEntries(t, store, e, testEntry(model.TypeJob, "b", time.Now(), time.Second))

		n, err := store.Count(context.Background())
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 2 {
			t.Errorf("Count = %d, want 2", n)
		}
	})
}

func TestGetByID_RelatedExcludesSelf(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		base := time.Now().Add(-time.Minute)
		req := testEntry(model.TypeRequest, "B", base, 0)
		q1 := testEntry(model.TypeQuery, "B", base, time.Second)
		q2 := testEntry(model.TypeQuery, "B", base, 2*time.Second)
		other := testEntry(model.TypeLog, "C", base, 3*time.Second)
		insertEntries(t, store, req, q1, q2, other)

		got, err := store.GetByID(context.Background(), req.ID)
		if err != nil || got == nil {
			t.Fatalf("GetByID: %v %v", got, err)
		}
		if len(got.Related) != 2 {
			t.Fatalf("related = %d, want 2", len(got.Related))
		}
		if got.Related[0].ID != q2.ID || got.Related[1].ID != q1.ID {
			t.Errorf("related order = %s,%s want newest first", got.Related[0].ID, got.Related[1].ID)
		}
		for _, r := range got.Related {
			if r.ID == req.ID {
				t.Error("related events include the entry itself")
			}
		}
	})
}

func TestGetByID_NotFound(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Errorf("GetByID(missing) = %+v, want nil", got)
	}
}

func TestGetByType_GroupsRelated(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		base := time.Now().Add(-time.Hour)
		r1 := testEntry(model.TypeRequest, "B1", base, 0)
		e1 := testEntry(model.TypeException, "B1", base, time.Second)
		r2 := testEntry(model.TypeRequest, "B2", base, time.Minute)
		insertEntries(t, store, r1, e1, r2)

		got, err := store.GetByType(context.Background(), model.TypeRequest)
		if err != nil {
			t.Fatalf("GetByType: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("GetByType returned %d, want 2", len(got))
		}
		if got[0].ID != r2.ID {
			t.Errorf("first result = %s, want newest %s", got[0].ID, r2.ID)
		}
		if len(got[1].Related) != 1 || got[1].Related[0].ID != e1.ID {
			t.Errorf("related of r1 = %+v", got[1].Related)
		}
		if len(got[0].Related) != 0 {
			t.Errorf("related of r2 = %+v, want none", got[0].Related)
		}

		none, err := store.GetByType(context.Background(), model.TypeMail)
		if err != nil || len(none) != 0 {
			t.Errorf("GetByType(mail) = %v, %v; want empty", none, err)
		}
	})
}

func TestGetByTags_Containment(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		base := time.Now().Add(-time.Hour)
		both := testEntry(model.TypeEvent, "B1", base, 0, "billing", "100%_done")
		one := testEntry(model.TypeEvent, "B2", base, time.Second, "billing")
		lookalike := testEntry(model.TypeEvent, "B3", base, 2*time.Second, "billing-eu", "100x_done")
		insertEntries(t, store, both, one, lookalike)

		got, err := store.GetByTags(context.Background(), []string{"billing", "100%_done"})
		if err != nil {
			t.Fatalf("GetByTags: %v", err)
		}
		if len(got) != 1 || got[0].ID != both.ID {
			t.Fatalf("GetByTags = %+v, want only %s", got, both.ID)
		}

		got, err = store.GetByTags(context.Background(), []string{"billing"})
		if err != nil {
			t.Fatalf("GetByTags: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("GetByTags(billing) returned %d, want 2", len(got))
		}

		got, err = store.GetByTags(context.Background(), nil)
		if err != nil || len(got) != 0 {
			t.Errorf("GetByTags(nil) = %v, %v; want empty", got, err)
		}
	})
}

func TestGetByBatchAndPeriod(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		now := time.Now()
		recent := testEntry(model.TypeLog, "B1", now, -time.Hour)
		sibling := testEntry(model.TypeLog, "B1", now, -30*time.Minute)
		old := testEntry(model.TypeLog, "B2", now, -10*24*time.Hour)
		insertEntries(t, store, recent, sibling, old)

		batch, err := store.GetByBatch(context.Background(), "B1")
		if err != nil {
			t.Fatalf("GetByBatch: %v", err)
		}
		if len(batch) != 2 || batch[0].ID != sibling.ID {
			t.Errorf("GetByBatch = %+v", batch)
		}

		day, err := store.GetPeriod(context.Background(), model.Period24Hours)
		if err != nil {
			t.Fatalf("GetPeriod: %v", err)
		}
		if len(day) != 2 {
			t.Errorf("GetPeriod(24h) returned %d, want 2", len(day))
		}
		month, err := store.GetPeriod(context.Background(), model.Period30Days)
		if err != nil {
			t.Fatalf("GetPeriod: %v", err)
		}
		if len(month) != 3 {
			t.Errorf("GetPeriod(30d) returned %d, want 3", len(month))
		}

		all, err := store.GetAll(context.Background())
		if err != nil {
			t.Fatalf("GetAll: %v", err)
		}
		if len(all) != 3 || all[2].ID != old.ID {
			t.Errorf("GetAll order wrong: %+v", all)
		}
	})
}

func TestDeleteBefore(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store *Store) {
		now := time.Now()
		insertEntries(t, store,
			testEntry(model.TypeLog, "B1", now, -40*24*time.Hour),
			testEntry(model.TypeLog, "B2", now, -time.Hour),
		)

		deleted, err := store.DeleteBefore(now.Add(-30 * 24 * time.Hour))
		if err != nil {
			t.Fatalf("DeleteBefore: %v", err)
		}
		if deleted != 1 {
			t.Errorf("deleted = %d, want 1", deleted)
		}
		n, _ := store.Count(context.Background())
		if n != 1 {
			t.Errorf("Count = %d, want 1", n)
		}
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("Open error = %v, want ErrUnknownDriver", err)
	}
}

func TestOpen_FileBackedReopen(t *testing.T) {
	path := t.TempDir() + "/db/lookout.sqlite"
	store, err := Open(Config{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	insertEntries(t, store, testEntry(model.TypeLog, "B", time.Now(), 0))
	store.Close()

	reopened, err := Open(Config{Driver: DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.Count(context.Background())
	if err != nil || n != 1 {
		t.Errorf("Count after reopen = %d, %v; want 1", n, err)
	}
}
