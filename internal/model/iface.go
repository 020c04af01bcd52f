package model

import (
	"context"
	"errors"
)

// ErrUndeliverable marks a batch that can never be delivered, such as a
// payload the backend rejected as malformed. Callers drop such batches
// instead of retrying them.
var ErrUndeliverable = errors.New("undeliverable batch")

// IsUndeliverable reports whether err is terminal for the batch.
func IsUndeliverable(err error) bool { return errors.Is(err, ErrUndeliverable) }

// EntryWriter persists or transmits a batch of entries.
type EntryWriter interface {
	Create(ctx context.Context, batch []*Entry) error
}

// EntryReader is the read side of a backend. Lookups that find nothing
// return a nil record or an empty slice with a nil error.
type EntryReader interface {
	GetAll(ctx context.Context) ([]Record, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	GetByType(ctx context.Context, t EntryType) ([]Record, error)
	GetByTags(ctx context.Context, tags []string) ([]Record, error)
	GetByBatch(ctx context.Context, batchID string) ([]Record, error)
	GetPeriod(ctx context.Context, p Period) ([]Record, error)
}

// Backend is a storage or delivery target selected at startup.
type Backend interface {
	Name() string
	EntryWriter
	EntryReader
	Close() error
}
