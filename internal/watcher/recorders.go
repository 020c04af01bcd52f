package watcher

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/model"
)

// Gates records authorization checks.
type Gates struct {
	Watcher
	ignore []string
}

// NewGates builds the gate watcher. Abilities matching an ignore pattern are
// not recorded.
func NewGates(rec Recorder, ignore []string, logger *zap.Logger) *Gates {
	return &Gates{Watcher: newWatcher("gates", rec, logger), ignore: ignore}
}

// Check records the outcome of an ability check and returns allowed, so it
// can wrap the host's decision inline.
func (w *Gates) Check(ctx context.Context, ability string, allowed bool, args ...any) bool {
	if matchAny(w.ignore, ability) {
		return allowed
	}
	_, file, line, _ := runtime.Caller(1)
	w.capture(ctx, model.TypeGate, func() *model.Entry {
		result := "denied"
		if allowed {
			result = "allowed"
		}
		return model.NewEntry(map[string]any{
			"ability":   ability,
			"result":    result,
			"arguments": append([]any{}, args...),
			"file":      file,
			"line":      line,
		})
	})
	return allowed
}

// Events records application events.
type Events struct {
	Watcher
	ignore []string
}

// NewEvents builds the event watcher. Event names matching one of the
// path.Match patterns in ignore (for example "cache.*") are skipped.
func NewEvents(rec Recorder, ignore []string, logger *zap.Logger) *Events {
	return &Events{Watcher: newWatcher("events", rec, logger), ignore: ignore}
}

func (w *Events) Dispatch(ctx context.Context, name string, payload any, listeners ...string) {
	if matchAny(w.ignore, name) {
		return
	}
	w.capture(ctx, model.TypeEvent, func() *model.Entry {
		content := map[string]any{
			"name":      name,
			"listeners": append([]string{}, listeners...),
		}
		if payload != nil {
			content["payload"] = payload
		}
		return model.NewEntry(content)
	})
}

// Notification describes a delivered notification.
type Notification struct {
	Name       string
	Channel    string
	Notifiable string // e.g. "User:42"
	Queued     bool
	Response   any
}

// Notifications records delivered notifications.
type Notifications struct {
	Watcher
}

func NewNotifications(rec Recorder, logger *zap.Logger) *Notifications {
	return &Notifications{Watcher: newWatcher("notifications", rec, logger)}
}

func (w *Notifications) Sent(ctx context.Context, n Notification) {
	w.capture(ctx, model.TypeNotification, func() *model.Entry {
		e := model.NewEntry(map[string]any{
			"notification": n.Name,
			"channel":      n.Channel,
			"notifiable":   n.Notifiable,
			"queued":       n.Queued,
			"response":     n.Response,
		})
		if n.Notifiable != "" {
			e.WithTags(n.Notifiable)
		}
		return e
	})
}

// Mail describes a sent message.
type Mail struct {
	Mailable string
	From     []string
	ReplyTo  []string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	HTML     string
	Queued   bool
}

// Mailer records sent mail.
type Mailer struct {
	Watcher
}

func NewMailer(rec Recorder, logger *zap.Logger) *Mailer {
	return &Mailer{Watcher: newWatcher("mail", rec, logger)}
}

func (w *Mailer) Sent(ctx context.Context, m Mail) {
	w.capture(ctx, model.TypeMail, func() *model.Entry {
		return model.NewEntry(map[string]any{
			"mailable": m.Mailable,
			"queued":   m.Queued,
			"from":     append([]string{}, m.From...),
			"replyTo":  append([]string{}, m.ReplyTo...),
			"to":       append([]string{}, m.To...),
			"cc":       append([]string{}, m.Cc...),
			"bcc":      append([]string{}, m.Bcc...),
			"subject":  m.Subject,
			"html":     m.HTML,
		})
	})
}

// Model actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Models records persistence changes to domain models.
type Models struct {
	Watcher
}

func NewModels(rec Recorder, logger *zap.Logger) *Models {
	return &Models{Watcher: newWatcher("models", rec, logger)}
}

// Changed records action on the model identified by name and key. The entry
// is tagged "<name>:<key>".
func (w *Models) Changed(ctx context.Context, name string, key any, action string, changes map[string]any) {
	w.capture(ctx, model.TypeModel, func() *model.Entry {
		ref := fmt.Sprintf("%s:%v", name, key)
		content := map[string]any{
			"action": action,
			"model":  ref,
		}
		if len(changes) > 0 {
			content["changes"] = changes
		}
		return model.NewEntry(content).WithTags(ref)
	})
}

// DefaultSlowQuery is the duration from which a query is tagged "slow".
const DefaultSlowQuery = 100 * time.Millisecond

// Queries records database queries.
type Queries struct {
	Watcher
	slow time.Duration
}

func NewQueries(rec Recorder, slow time.Duration, logger *zap.Logger) *Queries {
	if slow <= 0 {
		slow = DefaultSlowQuery
	}
	return &Queries{Watcher: newWatcher("queries", rec, logger), slow: slow}
}

// Observe records one executed statement.
func (w *Queries) Observe(ctx context.Context, connection, sql string, bindings []any, d time.Duration) {
	w.capture(ctx, model.TypeQuery, func() *model.Entry {
		slow := d >= w.slow
		e := model.NewEntry(map[string]any{
			"connection": connection,
			"sql":        strings.TrimSpace(sql),
			"bindings":   append([]any{}, bindings...),
			"time":       float64(d.Microseconds()) / 1000,
			"slow":       slow,
		})
		if slow {
			e.WithTags("slow")
		}
		return e
	})
}
