package watcher

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/batch"
	"github.com/tinytelemetry/lookout/internal/dispatch"
	"github.com/tinytelemetry/lookout/internal/model"
)

// RequestOptions configures the Requests middleware.
type RequestOptions struct {
	IgnoreMethods     []string `mapstructure:"ignore-methods"`
	IgnoreStatusCodes []int    `mapstructure:"ignore-status-codes"`
	IgnorePaths       []string `mapstructure:"ignore-paths"` // path prefixes
	HiddenHeaders     []string `mapstructure:"hidden-headers"`
	HiddenParams      []string `mapstructure:"hidden-params"`
	SizeLimitKB       int      `mapstructure:"size-limit-kb"`
}

// Requests records incoming HTTP requests served by gin.
type Requests struct {
	Watcher
	opts  RequestOptions
	limit int
}

// NewRequests builds the request watcher. OPTIONS requests are ignored
// unless IgnoreMethods is set explicitly.
func NewRequests(rec Recorder, opts RequestOptions, logger *zap.Logger) *Requests {
	if opts.IgnoreMethods == nil {
		opts.IgnoreMethods = []string{http.MethodOptions}
	}
	opts.HiddenHeaders = append(append([]string(nil), defaultHiddenHeaders...), opts.HiddenHeaders...)
	opts.HiddenParams = append(append([]string(nil), defaultHiddenParams...), opts.HiddenParams...)
	if opts.SizeLimitKB <= 0 {
		opts.SizeLimitKB = DefaultSizeLimitKB
	}
	return &Requests{
		Watcher: newWatcher("requests", rec, logger),
		opts:    opts,
		limit:   opts.SizeLimitKB * 1000,
	}
}

// Middleware opens a unit of work for the request, records it once the
// handler chain has run and then flushes the buffer.
func (w *Requests) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if w.ignoredBefore(c) {
			c.Next()
			return
		}

		ctx, _ := batch.Start(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		body := w.peekBody(c.Request)
		rw := &bodyWriter{ResponseWriter: c.Writer, limit: w.limit}
		c.Writer = rw

		c.Next()

		// Handlers and later middleware may have swapped the request context.
		ctx = c.Request.Context()
		if dispatch.Suppressed(ctx) {
			return
		}
		status := c.Writer.Status()
		if !w.ignoreStatus(status) {
			w.capture(ctx, model.TypeRequest, func() *model.Entry {
				return w.entry(c, body, rw, status, time.Since(start))
			})
		}
		w.flush(ctx)
	}
}

func (w *Requests) ignoredBefore(c *gin.Context) bool {
	if dispatch.Suppressed(c.Request.Context()) {
		return true
	}
	if containsFold(w.opts.IgnoreMethods, c.Request.Method) {
		return true
	}
	p := c.Request.URL.Path
	for _, prefix := range w.opts.IgnorePaths {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (w *Requests) ignoreStatus(status int) bool {
	for _, s := range w.opts.IgnoreStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// peekBody reads up to the size limit from the request body and puts the
// bytes back so the handler sees the full body.
func (w *Requests) peekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "application/json") && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(w.limit)+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), r.Body), Closer: r.Body}
	if err != nil || len(data) > w.limit {
		return nil
	}
	return data
}

func (w *Requests) entry(c *gin.Context, body []byte, rw *bodyWriter, status int, d time.Duration) *model.Entry {
	req := c.Request
	payload := valuesMap(req.URL.Query())
	for k, v := range decodePayload(strings.ToLower(req.Header.Get("Content-Type")), body) {
		payload[k] = v
	}

	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}

	content := map[string]any{
		"ip_address":        c.ClientIP(),
		"uri":               uri,
		"method":            req.Method,
		"controller_action": c.HandlerName(),
		"route":             c.FullPath(),
		"headers":           headerMap(req.Header, w.opts.HiddenHeaders),
		"payload":           hideParams(payload, w.opts.HiddenParams),
		"response_status":   status,
		"response":          describeResponse(status, rw.Header(), rw.buf.Bytes(), rw.truncated, w.opts.HiddenParams),
		"response_size":     rw.Size(),
		"duration":          d.Milliseconds(),
	}
	if errs := c.Errors.Errors(); len(errs) > 0 {
		content["errors"] = errs
	}
	return model.NewEntry(content)
}

type readCloser struct {
	io.Reader
	io.Closer
}

// bodyWriter keeps a bounded copy of the response body.
type bodyWriter struct {
	gin.ResponseWriter
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *bodyWriter) Write(p []byte) (int, error) {
	b.keep(p)
	return b.ResponseWriter.Write(p)
}

func (b *bodyWriter) WriteString(s string) (int, error) {
	b.keep([]byte(s))
	return b.ResponseWriter.WriteString(s)
}

func (b *bodyWriter) keep(p []byte) {
	if b.truncated {
		return
	}
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.buf.Write(p[:max(room, 0)])
		b.truncated = true
		return
	}
	b.buf.Write(p)
}
