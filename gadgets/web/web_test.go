package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	strand "github.com/zbigniewsobiecki/strand"
)

func TestFetchExtractsReadableText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>T</title><style>p{color:red}</style></head>
<body><article><h1>Headline</h1><p>First paragraph of the article body with enough
text to matter.</p><script>alert("no")</script></article></body></html>`))
	}))
	defer server.Close()

	g := New()
	res, err := g.Execute(context.Background(), strand.Invocation{
		ID:     "w1",
		Params: map[string]string{"url": server.URL},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "First paragraph") {
		t.Errorf("text = %q", res.Text)
	}
	if strings.Contains(res.Text, "alert") || strings.Contains(res.Text, "color:red") {
		t.Errorf("script/style leaked: %q", res.Text)
	}
}

func TestFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	g := New()
	if _, err := g.Fetch(context.Background(), server.URL); err == nil {
		t.Fatal("4xx must be an error")
	}
}

func TestStripHTML(t *testing.T) {
	in := `<p>Hello &amp; welcome</p><script>bad()</script><p>Second</p>`
	got := stripHTML(in)
	if !strings.Contains(got, "Hello & welcome") || !strings.Contains(got, "Second") {
		t.Errorf("got %q", got)
	}
	if strings.Contains(got, "bad()") {
		t.Errorf("script leaked: %q", got)
	}
}
