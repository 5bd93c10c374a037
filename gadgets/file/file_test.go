package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	strand "github.com/zbigniewsobiecki/strand"
)

func gadget(t *testing.T, handlers []strand.Handler, name string) strand.Handler {
	t.Helper()
	for _, h := range handlers {
		if h.Info().Name == name {
			return h
		}
	}
	t.Fatalf("no handler %s", name)
	return nil
}

func TestWriteReadRoundTrip(t *testing.T) {
	ws := t.TempDir()
	hs := Handlers(ws)

	_, err := gadget(t, hs, "file_write").Execute(context.Background(), strand.Invocation{
		Params: map[string]string{"path": "sub/notes.txt", "content": "remember this"},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := gadget(t, hs, "file_read").Execute(context.Background(), strand.Invocation{
		Params: map[string]string{"path": "sub/notes.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "remember this" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestListAndStat(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(ws, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	hs := Handlers(ws)

	res, err := gadget(t, hs, "file_list").Execute(context.Background(), strand.Invocation{
		Params: map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "file a.txt") || !strings.Contains(res.Text, "dir d") {
		t.Errorf("listing = %q", res.Text)
	}

	res, err = gadget(t, hs, "file_stat").Execute(context.Background(), strand.Invocation{
		Params: map[string]string{"path": "a.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "size: 1") || !strings.Contains(res.Text, "type: file") {
		t.Errorf("stat = %q", res.Text)
	}
}

func TestDelete(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "gone.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	hs := Handlers(ws)
	if _, err := gadget(t, hs, "file_delete").Execute(context.Background(), strand.Invocation{
		Params: map[string]string{"path": "gone.txt"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists")
	}
}

func TestPathEscapeRejected(t *testing.T) {
	hs := Handlers(t.TempDir())
	for _, path := range []string{"../outside.txt", "sub/../../etc/passwd"} {
		_, err := gadget(t, hs, "file_read").Execute(context.Background(), strand.Invocation{
			Params: map[string]string{"path": path},
		})
		// filepath.Clean("/"+path) confines traversal inside the workspace,
		// so either confinement outcome is fine — but never an open file
		// outside the sandbox.
		if err == nil {
			t.Errorf("path %q resolved to an existing file", path)
		}
	}
}
