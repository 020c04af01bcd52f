package model

import "time"

// Shared defaults used by the library packages and the lookout binary.
const (
	DefaultBufferSize   = 5
	DefaultMaxRows      = 1000
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultFlushTimeout = 15 * time.Second
	DefaultRetryBudget  = 5 * time.Second
)

// RedactedValue replaces sensitive header and payload values.
const RedactedValue = "********"
