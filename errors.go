package strand

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrLLM is a provider-level failure (bad response, decode error, ...).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a provider endpoint. RetryAfter carries
// the parsed Retry-After header when the server sent one (429/503).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value: either an integer
// number of seconds or an HTTP date. Returns 0 if the value is empty or
// unparseable.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrSessionReused reports a programming error: a Scheduler processed a
// second stream. One scheduler session covers exactly one iteration's chunk
// stream; construct a new Scheduler (or let Agent do it) per turn.
var ErrSessionReused = errors.New("strand: scheduler session reused; create a new Scheduler per stream")

// --- Invocation error taxonomy ---

// ErrorKind classifies why an invocation failed or was skipped.
type ErrorKind string

const (
	// KindParse — malformed invocation block; the diagnostic echoes the raw
	// parameter text so the model can correct itself.
	KindParse ErrorKind = "parse"
	// KindUnknown — no handler registered under the invoked name.
	KindUnknown ErrorKind = "unknown_handler"
	// KindValidation — parameters rejected by the handler's schema.
	KindValidation ErrorKind = "validation"
	// KindExecution — the handler returned an error or panicked.
	KindExecution ErrorKind = "execution"
	// KindTimeout — the per-invocation deadline elapsed.
	KindTimeout ErrorKind = "timeout"
	// KindDependencyFailed — a dependency failed or was skipped and the
	// dependency-skip controller chose to skip this invocation.
	KindDependencyFailed ErrorKind = "dependency_failed"
	// KindCycle — the invocation is part of a dependency cycle detected at
	// stream close.
	KindCycle ErrorKind = "cycle"
	// KindDanglingReference — a dependency id never appeared in the stream.
	KindDanglingReference ErrorKind = "dangling_reference"
	// KindCancelled — the invocation or the whole stream was aborted.
	KindCancelled ErrorKind = "cancelled"
)

// InvocationError is the structured failure attached to Failed and Skipped
// events. It stays local to the event stream — handler errors are never fatal
// to the scheduler.
type InvocationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Cause is the upstream invocation id for dependency-driven skips.
	Cause string `json:"cause,omitempty"`
	// Raw echoes the raw parameter text for parse failures.
	Raw string `json:"raw,omitempty"`
}

func (e *InvocationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != "" {
		b.WriteString(" (caused by ")
		b.WriteString(e.Cause)
		b.WriteString(")")
	}
	return b.String()
}

// Skip reports whether the kind marks a skip rather than a failure.
func (e *InvocationError) Skip() bool {
	switch e.Kind {
	case KindDependencyFailed, KindCycle, KindDanglingReference, KindCancelled:
		return true
	}
	return false
}
