package watcher

import (
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/dispatch"
	"github.com/tinytelemetry/lookout/internal/model"
)

// ClientRequestOptions configures the outgoing request watcher.
type ClientRequestOptions struct {
	IgnoreHosts   []string `mapstructure:"ignore-hosts"`
	HiddenHeaders []string `mapstructure:"hidden-headers"`
	HiddenParams  []string `mapstructure:"hidden-params"`
	SizeLimitKB   int      `mapstructure:"size-limit-kb"`
}

// ClientRequests is an http.RoundTripper that records outgoing calls,
// including calls that never got a response.
type ClientRequests struct {
	Watcher
	next  http.RoundTripper
	opts  ClientRequestOptions
	limit int
}

// NewClientRequests wraps next (http.DefaultTransport when nil). Hosts in
// IgnoreHosts, which should include the collector host, are passed through.
func NewClientRequests(rec Recorder, next http.RoundTripper, opts ClientRequestOptions, logger *zap.Logger) *ClientRequests {
	if next == nil {
		next = http.DefaultTransport
	}
	opts.HiddenHeaders = append(append([]string(nil), defaultHiddenHeaders...), opts.HiddenHeaders...)
	opts.HiddenParams = append(append([]string(nil), defaultHiddenParams...), opts.HiddenParams...)
	if opts.SizeLimitKB <= 0 {
		opts.SizeLimitKB = DefaultSizeLimitKB
	}
	return &ClientRequests{
		Watcher: newWatcher("client_requests", rec, logger),
		next:    next,
		opts:    opts,
		limit:   opts.SizeLimitKB * 1000,
	}
}

func (w *ClientRequests) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if dispatch.Suppressed(ctx) || containsFold(w.opts.IgnoreHosts, req.URL.Hostname()) {
		return w.next.RoundTrip(req)
	}

	start := time.Now()
	resp, err := w.next.RoundTrip(req)
	elapsed := time.Since(start)

	w.capture(ctx, model.TypeClientRequest, func() *model.Entry {
		content := map[string]any{
			"method":   req.Method,
			"uri":      req.URL.Redacted(),
			"headers":  headerMap(req.Header, w.opts.HiddenHeaders),
			"payload":  w.payload(req),
			"duration": elapsed.Milliseconds(),
		}
		if err != nil {
			content["error"] = err.Error()
			return model.NewEntry(content).WithTags("failed")
		}
		content["response_status"] = resp.StatusCode
		content["response_headers"] = headerMap(resp.Header, w.opts.HiddenHeaders)
		if resp.ContentLength >= 0 {
			content["response_size"] = resp.ContentLength
		}
		return model.NewEntry(content)
	})
	return resp, err
}

// payload decodes a replayable request body. Bodies without GetBody are not
// read so the transport still sees them intact.
func (w *ClientRequests) payload(req *http.Request) map[string]any {
	payload := valuesMap(req.URL.Query())
	if req.GetBody == nil || req.ContentLength == 0 {
		return hideParams(payload, w.opts.HiddenParams)
	}
	body, err := req.GetBody()
	if err != nil {
		return hideParams(payload, w.opts.HiddenParams)
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, int64(w.limit)+1))
	if err != nil || len(data) > w.limit {
		return hideParams(payload, w.opts.HiddenParams)
	}
	for k, v := range decodePayload(strings.ToLower(req.Header.Get("Content-Type")), data) {
		payload[k] = v
	}
	return hideParams(payload, w.opts.HiddenParams)
}
