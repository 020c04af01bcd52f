package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinytelemetry/lookout/internal/model"
)

const insertEntrySQL = `INSERT INTO monitorings (id, batch_id, type, content, tags, actor, device, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

type row struct {
	id        string
	batchID   string
	typ       string
	content   sql.NullString
	tags      string
	actor     sql.NullString
	device    sql.NullString
	createdAt int64
}

// Create inserts a batch in a single transaction. Either every entry is
// stored or none is. Entries whose id already exists are skipped, which
// makes redelivery of the same batch harmless.
func (s *Store) Create(ctx context.Context, batch []*model.Entry) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]row, 0, len(batch))
	for _, e := range batch {
		r, err := encodeRow(e)
		if err != nil {
			return fmt.Errorf("%w: entry %s: %v", model.ErrUndeliverable, e.ID, err)
		}
		rows = append(rows, r)
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertBatchTx(ctx, rows); err != nil {
		return fmt.Errorf("sqlstore: insert batch of %d: %w", len(rows), err)
	}
	return nil
}

func encodeRow(e *model.Entry) (row, error) {
	if e == nil {
		return row{}, fmt.Errorf("nil entry")
	}
	if e.ID == "" {
		return row{}, fmt.Errorf("missing id")
	}
	if !e.Type.Valid() {
		return row{}, fmt.Errorf("unknown type %q", e.Type)
	}

	r := row{
		id:      e.ID,
		batchID: e.BatchID,
		typ:     string(e.Type),
	}
	if r.batchID == "" {
		r.batchID = e.ID
	}
	recorded := e.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	r.createdAt = recorded.UnixNano()

	var err error
	if r.content, err = nullJSON(e.Content); err != nil {
		return row{}, fmt.Errorf("content: %w", err)
	}
	if r.device, err = nullJSON(e.Device); err != nil {
		return row{}, fmt.Errorf("device: %w", err)
	}
	if e.Actor != nil {
		if r.actor, err = nullJSON(e.Actor); err != nil {
			return row{}, fmt.Errorf("actor: %w", err)
		}
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return row{}, fmt.Errorf("tags: %w", err)
	}
	r.tags = string(data)
	return r, nil
}

func nullJSON[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// insertBatchTx inserts rows in a single transaction.
func (s *Store) insertBatchTx(ctx context.Context, rows []row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertEntrySQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.id, r.batchID, r.typ,
			r.content, r.tags, r.actor, r.device,
			r.createdAt, now,
		); err != nil {
			return fmt.Errorf("entry %s: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
