package strand

// --- Model stream types ---

// Chunk is one fragment of a model response stream. Text may be empty on the
// final chunk, which typically carries only FinishReason and Usage.
type Chunk struct {
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Usage tracks token consumption reported by the model provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CachedTokens += u2.CachedTokens
}

// --- Invocation types ---

// InvocationCall is one parsed gadget block from the model's text stream.
//
// ID is author-assigned in the stream; when absent the parser mints one from
// a monotonic counter. Deps may reference ids that have not appeared yet —
// forward references are resolved by the scheduler as the stream reveals them.
type InvocationCall struct {
	// Handler is the gadget name from the block header.
	Handler string `json:"handler"`
	// ID uniquely identifies this invocation within one scheduler session.
	ID string `json:"id"`
	// Deps lists invocation ids this call depends on, in header order.
	Deps []string `json:"deps,omitempty"`
	// Params maps parameter name to its literal (unescaped) value.
	// On duplicate names the last value wins and ParseError is set.
	Params map[string]string `json:"params,omitempty"`
	// RawParams preserves the raw parameter text of the block, used in
	// parse-failure diagnostics so the model sees what it actually wrote.
	RawParams string `json:"raw_params,omitempty"`
	// ParseError describes a malformed block. The call is still emitted so
	// the scheduler can surface the failure back to the model.
	ParseError string `json:"parse_error,omitempty"`
}

// Clone returns a deep copy. Events carry clones so consumers and hooks can
// never mutate scheduler state.
func (c InvocationCall) Clone() InvocationCall {
	out := c
	if c.Deps != nil {
		out.Deps = append([]string(nil), c.Deps...)
	}
	if c.Params != nil {
		out.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Media is binary content produced by a handler (image, audio, etc.).
type Media struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// Result is the normalized success outcome of a handler execution.
type Result struct {
	// Text is the result fed back to the model on the next iteration.
	Text string `json:"text"`
	// Cost is the handler-reported cost in USD, if any.
	Cost float64 `json:"cost,omitempty"`
	// Media carries binary outputs alongside the text.
	Media []Media `json:"media,omitempty"`
	// BreaksLoop tells the enclosing agent to stop its outer iteration.
	// The scheduler propagates the flag but does not act on it.
	BreaksLoop bool `json:"breaks_loop,omitempty"`
}

// --- LLM protocol types ---

// Message is one entry in the conversation transcript. Gadget invocations
// ride inside assistant message text, so there is no tool-call structure here.
type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

func UserMessage(text string) Message      { return Message{Role: "user", Content: text} }
func SystemMessage(text string) Message    { return Message{Role: "system", Content: text} }
func AssistantMessage(text string) Message { return Message{Role: "assistant", Content: text} }

// Request is the input to a Provider stream call.
type Request struct {
	Messages []Message `json:"messages"`
	// Options carries provider-specific generation options (temperature,
	// max_tokens, ...) as strings. Controllers may add options via the
	// before-LLM-call action.
	Options map[string]string `json:"options,omitempty"`
}
