package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	strand "github.com/zbigniewsobiecki/strand"
)

// sseSource adapts an SSE chat completions body to a strand.ChunkSource.
// Each Next call reads forward to the next text delta; the finish reason and
// usage arrive as a final chunk before io.EOF. The body is closed when the
// stream ends or errors.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
type sseSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	finish string
	usage  *strand.Usage
	done   bool
}

// NewSSESource wraps an SSE response body as a chunk source. Exported for
// providers that speak the same wire format against a different endpoint.
func NewSSESource(body io.ReadCloser) strand.ChunkSource {
	scanner := bufio.NewScanner(body)
	// Large SSE payloads (long deltas) need a bigger buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	return &sseSource{body: body, scanner: scanner}
}

func (s *sseSource) Next(ctx context.Context) (strand.Chunk, error) {
	if s.done {
		return strand.Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.close()
		return strand.Chunk{}, err
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			u := strand.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
			if chunk.Usage.PromptTokensDetails != nil {
				u.CachedTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			}
			s.usage = &u
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finish = choice.FinishReason
		}
		if choice.Delta != nil && choice.Delta.Content != "" {
			return strand.Chunk{Text: choice.Delta.Content}, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.close()
		return strand.Chunk{}, err
	}

	// Stream exhausted: deliver the trailing finish/usage chunk once.
	s.close()
	if s.finish != "" || s.usage != nil {
		return strand.Chunk{FinishReason: s.finish, Usage: s.usage}, nil
	}
	return strand.Chunk{}, io.EOF
}

func (s *sseSource) close() {
	if !s.done {
		s.done = true
		_ = s.body.Close()
	}
}
