package openaicompat

import (
	"strconv"
	"strings"

	strand "github.com/zbigniewsobiecki/strand"
)

// BuildBody converts strand messages and a model name into an OpenAI-format
// ChatRequest. System messages stay in the messages array as role:"system".
// Request options (from configuration or the before-LLM-call controllers)
// map onto generation parameters; unknown keys are ignored.
func BuildBody(messages []strand.Message, model string, options map[string]string) ChatRequest {
	msgs := make([]Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}

	req := ChatRequest{Model: model, Messages: msgs}
	applyOptions(&req, options)
	return req
}

func applyOptions(req *ChatRequest, options map[string]string) {
	for key, value := range options {
		switch key {
		case "temperature":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				req.Temperature = &f
			}
		case "top_p":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				req.TopP = &f
			}
		case "max_tokens":
			if n, err := strconv.Atoi(value); err == nil {
				req.MaxTokens = n
			}
		case "frequency_penalty":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				req.FrequencyPenalty = &f
			}
		case "presence_penalty":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				req.PresencePenalty = &f
			}
		case "seed":
			if n, err := strconv.Atoi(value); err == nil {
				req.Seed = &n
			}
		case "stop":
			if value != "" {
				req.Stop = strings.Split(value, ",")
			}
		}
	}
}
