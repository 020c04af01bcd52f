// Package query serves monitoring reads with the best-effort failure
// policy: a failed read is logged and answered with an empty result, unless
// the caller marked its context strict.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/model"
)

// ErrInvalidArgument marks a malformed type or period filter.
var ErrInvalidArgument = errors.New("invalid argument")

type strictKey struct{}

// Strict marks ctx so read failures are returned instead of swallowed.
// Background jobs use it so their scheduler can retry.
func Strict(ctx context.Context) context.Context {
	return context.WithValue(ctx, strictKey{}, true)
}

// IsStrict reports whether ctx was marked with Strict.
func IsStrict(ctx context.Context) bool {
	v, _ := ctx.Value(strictKey{}).(bool)
	return v
}

// Service reads monitoring records from a backend.
type Service struct {
	reader model.EntryReader
	logger *zap.Logger
}

// NewService wraps reader. A nil logger discards output.
func NewService(reader model.EntryReader, logger *zap.Logger) *Service {
	return &Service{reader: reader, logger: logging.OrNop(logger)}
}

func (s *Service) All(ctx context.Context) ([]model.Record, error) {
	return s.list(ctx, "all", func() ([]model.Record, error) { return s.reader.GetAll(ctx) })
}

// ByID returns nil when no record has id.
func (s *Service) ByID(ctx context.Context, id string) (*model.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	rec, err := s.reader.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, "by_id", err, zap.String("id", id))
	}
	return rec, nil
}

// ByType rejects unknown types whatever the context.
func (s *Service) ByType(ctx context.Context, raw string) ([]model.Record, error) {
	t, err := model.ParseEntryType(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return s.list(ctx, "by_type", func() ([]model.Record, error) { return s.reader.GetByType(ctx, t) })
}

// ByTags requires every tag. An empty tag set matches nothing.
func (s *Service) ByTags(ctx context.Context, tags []string) ([]model.Record, error) {
	clean := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			clean = append(clean, tag)
		}
	}
	if len(clean) == 0 {
		return []model.Record{}, nil
	}
	return s.list(ctx, "by_tags", func() ([]model.Record, error) { return s.reader.GetByTags(ctx, clean) })
}

func (s *Service) ByBatch(ctx context.Context, batchID string) ([]model.Record, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return []model.Record{}, nil
	}
	return s.list(ctx, "by_batch", func() ([]model.Record, error) { return s.reader.GetByBatch(ctx, batchID) })
}

func (s *Service) Period(ctx context.Context, raw string) ([]model.Record, error) {
	p, err := model.ParsePeriod(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return s.list(ctx, "period", func() ([]model.Record, error) { return s.reader.GetPeriod(ctx, p) })
}

func (s *Service) list(ctx context.Context, op string, read func() ([]model.Record, error)) ([]model.Record, error) {
	records, err := read()
	if err != nil {
		if err := s.fail(ctx, op, err); err != nil {
			return nil, err
		}
		return []model.Record{}, nil
	}
	if records == nil {
		records = []model.Record{}
	}
	return records, nil
}

func (s *Service) fail(ctx context.Context, op string, err error, fields ...zap.Field) error {
	if IsStrict(ctx) {
		return fmt.Errorf("query %s: %w", op, err)
	}
	s.logger.Warn("query: read failed, returning empty result",
		append(fields, zap.String("op", op), zap.Error(err))...)
	return nil
}
