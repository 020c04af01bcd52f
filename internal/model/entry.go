package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actor is the authenticated principal associated with an entry, if any.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Entry is a single captured observation. It is built by a capture adapter,
// enriched by the dispatcher and then handed to a backend as part of a batch.
// An Entry is owned by one goroutine at a time and is not safe for
// concurrent mutation.
type Entry struct {
	ID         string
	BatchID    string
	Type       EntryType
	Content    map[string]any
	Tags       []string
	Actor      *Actor
	Device     map[string]any
	RecordedAt time.Time
}

var (
	hostnameOnce sync.Once
	hostname     string
)

func localHostname() string {
	hostnameOnce.Do(func() {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	})
	return hostname
}

// NewID returns a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewEntry builds an entry from a content payload. A "tags" key, if present,
// is moved out of the content into the tag set. The caller's map is not
// modified.
func NewEntry(content map[string]any) *Entry {
	e := &Entry{
		ID:         NewID(),
		Content:    make(map[string]any, len(content)+2),
		RecordedAt: time.Now().UTC(),
	}
	for k, v := range content {
		if k == "tags" {
			e.WithTags(tagStrings(v)...)
			continue
		}
		e.Content[k] = v
	}
	if h := localHostname(); h != "" {
		e.Content["hostname"] = h
	}
	e.Content["pid"] = os.Getpid()
	return e
}

func tagStrings(v any) []string {
	switch tags := v.(type) {
	case string:
		return []string{tags}
	case []string:
		return tags
	case []any:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// WithType sets the entry type.
func (e *Entry) WithType(t EntryType) *Entry {
	e.Type = t
	return e
}

// WithTags merges tags into the entry. Blank and duplicate tags are ignored.
func (e *Entry) WithTags(tags ...string) *Entry {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || e.hasTag(tag) {
			continue
		}
		e.Tags = append(e.Tags, tag)
	}
	return e
}

func (e *Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasTags reports whether the entry carries every tag in tags.
func (e *Entry) HasTags(tags []string) bool {
	for _, tag := range tags {
		if !e.hasTag(tag) {
			return false
		}
	}
	return true
}

// WithActor attaches the actor snapshot, mirrors it into the content under
// "user" and tags the entry with "Auth:<id>".
func (e *Entry) WithActor(a *Actor) *Entry {
	if a == nil || a.ID == "" {
		return e
	}
	actor := *a
	e.Actor = &actor
	if e.Content == nil {
		e.Content = map[string]any{}
	}
	user := map[string]any{"id": actor.ID}
	if actor.Name != "" {
		user["name"] = actor.Name
	}
	if actor.Email != "" {
		user["email"] = actor.Email
	}
	e.Content["user"] = user
	return e.WithTags("Auth:" + actor.ID)
}

// WithBatchID assigns the batch id. Once set it never changes.
func (e *Entry) WithBatchID(id string) *Entry {
	if e.BatchID == "" && id != "" {
		e.BatchID = id
	}
	return e
}

// WithDevice attaches a device or environment snapshot.
func (e *Entry) WithDevice(device map[string]any) *Entry {
	e.Device = device
	return e
}

// Sanitize replaces content and device values that cannot be encoded as
// JSON with a marker string, so one bad value never fails a whole batch.
func (e *Entry) Sanitize() {
	e.Content = SanitizeContent(e.Content)
	e.Device = SanitizeContent(e.Device)
}

// SanitizeContent returns m unchanged when it encodes cleanly, otherwise a
// copy with each unencodable value replaced by a marker.
func SanitizeContent(m map[string]any) map[string]any {
	if len(m) == 0 {
		return m
	}
	if _, err := json.Marshal(m); err == nil {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, err := json.Marshal(v); err != nil {
			out[k] = UnserializableMarker(v)
			continue
		}
		out[k] = v
	}
	return out
}

// UnserializableMarker is the placeholder stored in place of a value that
// could not be encoded.
func UnserializableMarker(v any) string {
	return fmt.Sprintf("[unserializable %T]", v)
}

// wireEntry is the JSON shape shared by the HTTP collector and the local
// file backend.
type wireEntry struct {
	UUID      string         `json:"uuid"`
	BatchID   string         `json:"batch_id"`
	Type      EntryType      `json:"type"`
	Content   map[string]any `json:"content"`
	Tags      []string       `json:"tags"`
	CreatedAt time.Time      `json:"created_at"`
	Device    map[string]any `json:"device,omitempty"`
	User      *Actor         `json:"user,omitempty"`
}

// MarshalJSON encodes the entry in its wire format.
func (e *Entry) MarshalJSON() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(wireEntry{
		UUID:      e.ID,
		BatchID:   e.BatchID,
		Type:      e.Type,
		Content:   e.Content,
		Tags:      tags,
		CreatedAt: e.RecordedAt,
		Device:    e.Device,
		User:      e.Actor,
	})
}

// UnmarshalJSON decodes the wire format.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{
		ID:         w.UUID,
		BatchID:    w.BatchID,
		Type:       w.Type,
		Content:    w.Content,
		Actor:      w.User,
		Device:     w.Device,
		RecordedAt: w.CreatedAt,
	}
	e.WithTags(w.Tags...)
	return nil
}

// Record converts the entry into its stored read-side form.
func (e *Entry) Record() Record {
	tags := make([]string, len(e.Tags))
	copy(tags, e.Tags)
	return Record{
		ID:        e.ID,
		BatchID:   e.BatchID,
		Type:      e.Type,
		Content:   e.Content,
		Tags:      tags,
		Actor:     e.Actor,
		Device:    e.Device,
		CreatedAt: e.RecordedAt,
		UpdatedAt: e.RecordedAt,
	}
}
