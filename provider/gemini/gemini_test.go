package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	strand "github.com/zbigniewsobiecki/strand"
)

func TestStreamParsesTextFinishAndUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "test-model:streamGenerateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if _, ok := body["systemInstruction"]; !ok {
			t.Error("system message must map to systemInstruction")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`+"\n")
		io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2}}`+"\n")
	}))
	defer server.Close()

	g := New("key", "test-model", WithBaseURL(server.URL))
	src, err := g.Stream(context.Background(), strand.Request{
		Messages: []strand.Message{
			strand.SystemMessage("be terse"),
			strand.UserMessage("hello"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var chunks []strand.Chunk
	for {
		c, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Text != "Hel" || chunks[1].Text != "lo" {
		t.Errorf("deltas = %q %q", chunks[0].Text, chunks[1].Text)
	}
	final := chunks[2]
	if final.FinishReason != "stop" {
		t.Errorf("finish = %q", final.FinishReason)
	}
	if final.Usage == nil || final.Usage.InputTokens != 5 || final.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestStreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "overloaded")
	}))
	defer server.Close()

	g := New("key", "test-model", WithBaseURL(server.URL))
	_, err := g.Stream(context.Background(), strand.Request{
		Messages: []strand.Message{strand.UserMessage("hello")},
	})
	var httpErr *strand.ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("err = %v", err)
	}
}
