package dispatch

import "context"

type suppressKey struct{}

// WithoutCapture marks ctx so Record ignores entries for this unit of work.
// Lookout's own HTTP routes use it to avoid monitoring themselves.
func WithoutCapture(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// Suppressed reports whether ctx was marked with WithoutCapture.
func Suppressed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}
