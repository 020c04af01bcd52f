// Package batch correlates the entries of one unit of work (a request, job,
// command or scheduled task) under a shared batch id.
package batch

import (
	"context"
	"sync"

	"github.com/tinytelemetry/lookout/internal/model"
)

// Correlator holds the batch id of a single unit of work. The first id set
// wins; Get generates one lazily when none was set.
type Correlator struct {
	mu sync.Mutex
	id string
}

// New returns an empty correlator.
func New() *Correlator { return &Correlator{} }

// Set assigns the batch id unless one is already present. Empty ids are
// ignored.
func (c *Correlator) Set(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		c.id = id
	}
}

// Get returns the batch id, generating it on first use.
func (c *Correlator) Get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		c.id = model.NewID()
	}
	return c.id
}

// Peek returns the current id without generating one.
func (c *Correlator) Peek() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Clear forgets the current id so the next Get starts a new batch.
func (c *Correlator) Clear() {
	c.mu.Lock()
	c.id = ""
	c.mu.Unlock()
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c *Correlator) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the correlator carried by ctx, if any.
func FromContext(ctx context.Context) (*Correlator, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(ctxKey{}).(*Correlator)
	return c, ok && c != nil
}

// Start opens a new unit of work. When ctx already carries a correlator it is
// reused, so nested units of work share the outer batch.
func Start(ctx context.Context) (context.Context, *Correlator) {
	if c, ok := FromContext(ctx); ok {
		return ctx, c
	}
	c := New()
	return NewContext(ctx, c), c
}

// ID returns the batch id for ctx: the correlator's id when one is present,
// otherwise a fresh id for a batch of one.
func ID(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.Get()
	}
	return model.NewID()
}
