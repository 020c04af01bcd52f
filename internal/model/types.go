package model

import (
	"fmt"
	"strings"
)

// EntryType classifies a captured entry. The set is closed.
type EntryType string

const (
	TypeRequest       EntryType = "request"
	TypeClientRequest EntryType = "client_request"
	TypeQuery         EntryType = "query"
	TypeEvent         EntryType = "event"
	TypeException     EntryType = "exception"
	TypeCommand       EntryType = "command"
	TypeGate          EntryType = "gate"
	TypeJob           EntryType = "job"
	TypeScheduledTask EntryType = "scheduled_task"
	TypeNotification  EntryType = "notification"
	TypeMail          EntryType = "mail"
	TypeModel         EntryType = "model"
	TypeLog           EntryType = "log"
)

var entryTypes = []EntryType{
	TypeRequest,
	TypeClientRequest,
	TypeQuery,
	TypeEvent,
	TypeException,
	TypeCommand,
	TypeGate,
	TypeJob,
	TypeScheduledTask,
	TypeNotification,
	TypeMail,
	TypeModel,
	TypeLog,
}

// EntryTypes returns every known entry type in declaration order.
func EntryTypes() []EntryType {
	out := make([]EntryType, len(entryTypes))
	copy(out, entryTypes)
	return out
}

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	for _, known := range entryTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t EntryType) String() string { return string(t) }

// ParseEntryType converts a user-supplied string into an EntryType.
func ParseEntryType(s string) (EntryType, error) {
	t := EntryType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entry type %q", s)
	}
	return t, nil
}
