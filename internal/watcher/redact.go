package watcher

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/tinytelemetry/lookout/internal/model"
)

var (
	defaultHiddenHeaders = []string{"authorization", "proxy-authorization", "cookie", "set-cookie", "x-api-key"}
	defaultHiddenParams  = []string{"password", "password_confirmation"}
)

// DefaultSizeLimitKB bounds captured request and response bodies.
const DefaultSizeLimitKB = 64

const (
	purgedBody    = "Purged By Lookout"
	emptyBody     = "Empty Response"
	htmlBody      = "HTML Response"
	redirectedFmt = "Redirected to "
)

// headerMap flattens headers to lower-case names with comma-joined values,
// redacting the hidden ones.
func headerMap(h http.Header, hidden []string) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if containsFold(hidden, key) {
			out[key] = model.RedactedValue
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// hideParams redacts top-level keys of payload in place.
func hideParams(payload map[string]any, hidden []string) map[string]any {
	for k, v := range payload {
		if containsFold(hidden, k) && v != nil && v != "" {
			payload[k] = model.RedactedValue
		}
	}
	return payload
}

func valuesMap(v url.Values) map[string]any {
	out := make(map[string]any, len(v))
	for k, vals := range v {
		if len(vals) == 1 {
			out[k] = vals[0]
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// decodePayload turns a request body into a map when it is JSON or a form.
func decodePayload(contentType string, body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var m map[string]any
		if err := json.Unmarshal(body, &m); err == nil {
			return m
		}
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		if v, err := url.ParseQuery(string(body)); err == nil {
			return valuesMap(v)
		}
	}
	return nil
}

// describeResponse summarises a response body the way it is shown in the
// monitoring UI: decoded JSON or plain text within the size limit, otherwise
// a short label.
func describeResponse(status int, header http.Header, body []byte, truncated bool, hidden []string) any {
	if status >= 300 && status < 400 {
		if loc := header.Get("Location"); loc != "" {
			return redirectedFmt + loc
		}
	}
	if len(body) == 0 {
		return emptyBody
	}
	contentType := strings.ToLower(header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		if truncated {
			return purgedBody
		}
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			if m, ok := v.(map[string]any); ok {
				return hideParams(m, hidden)
			}
			return v
		}
	case strings.HasPrefix(contentType, "text/plain"):
		if truncated {
			return purgedBody
		}
		return string(body)
	}
	return htmlBody
}
