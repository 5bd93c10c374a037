package strand

import (
	"context"
	"io"
)

// ChunkSource yields model output chunks. Next returns io.EOF when the
// stream is exhausted; any other error is an LLM-stream error, which the
// scheduler routes through the after-LLM-error controllers. Sources are
// single-consumer and not safe for concurrent use.
type ChunkSource interface {
	Next(ctx context.Context) (Chunk, error)
}

// SourceFunc adapts a function to the ChunkSource interface.
type SourceFunc func(ctx context.Context) (Chunk, error)

func (f SourceFunc) Next(ctx context.Context) (Chunk, error) { return f(ctx) }

// NewSliceSource returns a ChunkSource over a fixed chunk sequence, mainly
// for tests and synthetic responses.
func NewSliceSource(chunks ...Chunk) ChunkSource {
	i := 0
	return SourceFunc(func(ctx context.Context) (Chunk, error) {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if i >= len(chunks) {
			return Chunk{}, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	})
}

// NewTextSource returns a single-chunk source carrying text and a finish
// reason, used for synthetic and recovered responses.
func NewTextSource(text, finishReason string) ChunkSource {
	return NewSliceSource(Chunk{Text: text, FinishReason: finishReason})
}

// ChannelSource adapts a chunk channel to a ChunkSource; the source ends
// when the channel is closed.
func ChannelSource(ch <-chan Chunk) ChunkSource {
	return SourceFunc(func(ctx context.Context) (Chunk, error) {
		select {
		case c, ok := <-ch:
			if !ok {
				return Chunk{}, io.EOF
			}
			return c, nil
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	})
}

// Provider abstracts the LLM backend. A provider turns a request into a
// chunk stream; gadget invocations ride inside the text, so there is no
// function-calling surface here. Retry and rate limiting compose as
// middleware around Provider — the scheduler itself never retries a source.
type Provider interface {
	// Stream starts a model call and returns the response chunk stream.
	Stream(ctx context.Context, req Request) (ChunkSource, error)
	// Name returns the provider name (e.g. "openai", "gemini").
	Name() string
}
