package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/model"
)

const selectColumns = `SELECT id, batch_id, type, content, tags, actor, device, created_at, updated_at FROM monitorings`

const orderRecent = ` ORDER BY created_at DESC, id DESC`

// GetAll returns the most recent entries, newest first.
func (s *Store) GetAll(ctx context.Context) ([]model.Record, error) {
	return s.query(ctx, selectColumns+orderRecent+` LIMIT ?`, s.maxRows)
}

// GetByID returns the entry with the given id and every other entry of its
// batch. It returns nil when no entry matches.
func (s *Store) GetByID(ctx context.Context, id string) (*model.Record, error) {
	if id == "" {
		return nil, nil
	}
	found, err := s.query(ctx, selectColumns+` WHERE id = ? LIMIT 1`, id)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	primary := found[0]

	related, err := s.query(ctx, selectColumns+` WHERE batch_id = ? AND id <> ?`+orderRecent, primary.BatchID, primary.ID)
	if err != nil {
		return nil, err
	}
	if related == nil {
		related = []model.Record{}
	}
	primary.Related = related
	return &primary, nil
}

// GetByType returns entries of type t with their related entries.
func (s *Store) GetByType(ctx context.Context, t model.EntryType) ([]model.Record, error) {
	primaries, err := s.query(ctx, selectColumns+` WHERE type = ?`+orderRecent+` LIMIT ?`, string(t), s.maxRows)
	if err != nil {
		return nil, err
	}
	return s.withRelated(ctx, primaries)
}

// GetByTags returns entries carrying every tag in tags, with their related
// entries. An empty tag list matches nothing.
func (s *Store) GetByTags(ctx context.Context, tags []string) ([]model.Record, error) {
	if len(tags) == 0 {
		return []model.Record{}, nil
	}

	where := make([]string, 0, len(tags))
	args := make([]any, 0, len(tags)+1)
	for _, tag := range tags {
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, tagPattern(tag))
	}
	args = append(args, s.maxRows)

	candidates, err := s.query(ctx, selectColumns+` WHERE `+strings.Join(where, ` AND `)+orderRecent+` LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}

	primaries := candidates[:0]
	for _, r := range candidates {
		if r.HasTags(tags) {
			primaries = append(primaries, r)
		}
	}
	return s.withRelated(ctx, primaries)
}

// GetByBatch returns every entry of one batch, newest first.
func (s *Store) GetByBatch(ctx context.Context, batchID string) ([]model.Record, error) {
	return s.query(ctx, selectColumns+` WHERE batch_id = ?`+orderRecent, batchID)
}

// GetPeriod returns entries recorded within the window, newest first.
func (s *Store) GetPeriod(ctx context.Context, p model.Period) ([]model.Record, error) {
	if p.Duration() == 0 {
		return nil, fmt.Errorf("sqlstore: unknown period %q", p)
	}
	cutoff := p.Since(time.Now()).UnixNano()
	return s.query(ctx, selectColumns+` WHERE created_at >= ?`+orderRecent+` LIMIT ?`, cutoff, s.maxRows)
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM monitorings`).Scan(&n)
	return n, err
}

// DeleteBefore removes entries recorded before cutoff and returns how many
// were deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryCtx(context.Background())
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM monitorings WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// withRelated loads the related entries of all primaries in one query and
// attaches them.
func (s *Store) withRelated(ctx context.Context, primaries []model.Record) ([]model.Record, error) {
	ids := model.BatchIDs(primaries)
	if len(ids) == 0 {
		return primaries, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	pool, err := s.query(ctx, selectColumns+` WHERE batch_id IN (`+placeholders+`)`+orderRecent, args...)
	if err != nil {
		return nil, err
	}
	return model.AttachRelated(primaries, pool), nil
}

// tagPattern matches the JSON-encoded tag inside the tags column.
func tagPattern(tag string) string {
	quoted, _ := json.Marshal(tag)
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(string(quoted))
	return "%" + escaped + "%"
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.Record, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows: %w", err)
	}
	return records, nil
}

func (s *Store) scanRecord(rows *sql.Rows) (model.Record, error) {
	var (
		r                            model.Record
		typ                          string
		content, tags, actor, device sql.NullString
		created, updated             int64
	)
	if err := rows.Scan(&r.ID, &r.BatchID, &typ, &content, &tags, &actor, &device, &created, &updated); err != nil {
		return r, fmt.Errorf("sqlstore: scan: %w", err)
	}
	r.Type = model.EntryType(typ)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()

	s.decodeColumn(r.ID, "content", content, &r.Content)
	s.decodeColumn(r.ID, "tags", tags, &r.Tags)
	s.decodeColumn(r.ID, "device", device, &r.Device)
	if actor.Valid {
		var a model.Actor
		if s.decodeColumn(r.ID, "actor", actor, &a) {
			r.Actor = &a
		}
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return r, nil
}

// decodeColumn unmarshals a JSON column. A corrupt value is logged and left
// empty rather than failing the whole read.
func (s *Store) decodeColumn(id, column string, v sql.NullString, dst any) bool {
	if !v.Valid || v.String == "" {
		return false
	}
	if err := json.Unmarshal([]byte(v.String), dst); err != nil {
		s.logger.Warn("sqlstore: undecodable column", zap.String("id", id), zap.String("column", column), zap.Error(err))
		return false
	}
	return true
}
