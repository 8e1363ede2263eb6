package ensemble

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for task ids, correlation ids, and A2A message ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns current time as Unix milliseconds. A2A messages use
// millisecond timestamps so the per-task ordered log survives sub-second
// node completions.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
