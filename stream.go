package strand

import "time"

// EventType identifies the kind of emitted event.
type EventType string

const (
	// EventText carries model text that is outside any gadget block.
	EventText EventType = "text"
	// EventAnnounced signals a gadget invocation was parsed from the stream.
	// It is emitted before any execution of that invocation begins.
	EventAnnounced EventType = "invocation-announced"
	// EventSucceeded carries the result of a completed invocation.
	EventSucceeded EventType = "invocation-succeeded"
	// EventFailed carries the structured error of a failed invocation.
	EventFailed EventType = "invocation-failed"
	// EventSkipped signals an invocation that never ran (dependency failure,
	// cycle, dangling reference, or cancellation).
	EventSkipped EventType = "invocation-skipped"
	// EventSubStream wraps an event produced by a nested scheduler running
	// inside a handler (sub-agent).
	EventSubStream EventType = "sub-stream"
	// EventComplete is the final event of a session; nothing follows it.
	EventComplete EventType = "stream-complete"
)

// Event is the single output type of a scheduler session. Exactly one of the
// payload pointers is set, according to Type. Every announced invocation
// produces exactly one terminal event (succeeded, failed or skipped) before
// the stream-complete event.
type Event struct {
	Type EventType `json:"type"`

	// Text is the chunk content for EventText.
	Text string `json:"text,omitempty"`

	// ID and Handler identify the invocation for all invocation events and
	// for EventSubStream (the outer invocation hosting the sub-agent).
	ID      string `json:"id,omitempty"`
	Handler string `json:"handler,omitempty"`

	// Call is the parsed record for EventAnnounced.
	Call *InvocationCall `json:"call,omitempty"`
	// Result is set on EventSucceeded.
	Result *Result `json:"result,omitempty"`
	// Err is set on EventFailed and EventSkipped.
	Err *InvocationError `json:"error,omitempty"`
	// Duration is wall time of the execution for terminal events that ran.
	Duration time.Duration `json:"duration,omitempty"`

	// Sub is the inner event for EventSubStream.
	Sub *Event `json:"sub,omitempty"`

	// Complete is set on EventComplete.
	Complete *Completion `json:"complete,omitempty"`
}

// Completion is the payload of the final stream-complete event.
type Completion struct {
	// FinishReason is the provider's finish reason, "cancelled" when the
	// session was aborted, or "recovered" after an LLM-error recovery.
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
	// RawText is the accumulated post-raw-intercept model text, gadget
	// blocks included.
	RawText string `json:"raw_text"`
	// FinalMessage is RawText after the final-message interceptors.
	FinalMessage string `json:"final_message"`
	// BreaksLoop is set when any handler signalled loop termination.
	BreaksLoop bool `json:"breaks_loop,omitempty"`
	// Cost sums handler-reported costs for the session in USD.
	Cost float64 `json:"cost,omitempty"`
	// Succeeded, Failed and Skipped list invocation ids by terminal state,
	// in completion order. Failed includes parse and validation failures.
	Succeeded []string `json:"succeeded,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
}
