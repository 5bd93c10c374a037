package strand

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// propHandler records execution windows and fails when the "f" parameter is
// set, so generated sessions exercise both outcomes.
type propHandler struct {
	mu      sync.Mutex
	windows map[string]execWindow
}

func (h *propHandler) Info() HandlerInfo {
	return HandlerInfo{Name: "Work", Description: "property test workload"}
}

func (h *propHandler) Execute(ctx context.Context, inv Invocation) (Result, error) {
	start := time.Now()
	select {
	case <-time.After(time.Duration(len(inv.ID)) * time.Millisecond / 2):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	h.mu.Lock()
	h.windows[inv.ID] = execWindow{start: start, finish: time.Now()}
	h.mu.Unlock()
	if inv.Params["f"] == "1" {
		return Result{}, errors.New("generated failure")
	}
	return Result{Text: inv.ID}, nil
}

// genSession builds a random invocation stream: a DAG over sequential ids
// with random failure marks, serialized and split at random chunk
// boundaries.
type genSession struct {
	text   string
	ids    []string
	deps   map[string][]string
	chunks []Chunk
}

func buildSession(r *rand.Rand) genSession {
	n := 1 + r.Intn(8)
	var b strings.Builder
	s := genSession{deps: map[string][]string{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("n%d", i)
		s.ids = append(s.ids, id)
		var deps []string
		for j := 0; j < i; j++ {
			if r.Float64() < 0.35 {
				deps = append(deps, fmt.Sprintf("n%d", j))
			}
		}
		s.deps[id] = deps
		header := "Work:" + id
		if len(deps) > 0 {
			header += ":" + strings.Join(deps, ",")
		}
		b.WriteString("<S>" + header)
		if r.Float64() < 0.25 {
			b.WriteString("<A>f\n1")
		}
		b.WriteString("<E>\n")
		if r.Float64() < 0.3 {
			b.WriteString("some text between blocks ")
		}
	}
	s.text = b.String()

	// Split at random byte boundaries, including mid-marker splits.
	rest := s.text
	for len(rest) > 0 {
		cut := 1 + r.Intn(len(rest))
		s.chunks = append(s.chunks, Chunk{Text: rest[:cut]})
		rest = rest[cut:]
	}
	s.chunks = append(s.chunks, Chunk{FinishReason: "stop"})
	return s
}

func TestSessionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one terminal per announced invocation, announce first, complete last", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			s := buildSession(r)
			h := &propHandler{windows: map[string]execWindow{}}
			reg := NewRegistry()
			if err := reg.Add(h); err != nil {
				return false
			}
			events := runStream(t, reg, s.chunks)

			last := events[len(events)-1]
			if last.Type != EventComplete {
				return false
			}
			for _, id := range s.ids {
				ia := eventIndex(events, EventAnnounced, id)
				if ia < 0 {
					return false
				}
				terminals := 0
				for _, typ := range []EventType{EventSucceeded, EventFailed, EventSkipped} {
					if it := eventIndex(events, typ, id); it >= 0 {
						terminals++
						if it <= ia || it >= len(events)-1 {
							return false
						}
					}
				}
				if terminals != 1 {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("dependency respect: a succeeded dependent starts after its dependency finished", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			s := buildSession(r)
			h := &propHandler{windows: map[string]execWindow{}}
			reg := NewRegistry()
			if err := reg.Add(h); err != nil {
				return false
			}
			events := runStream(t, reg, s.chunks)

			succeeded := map[string]bool{}
			for _, ev := range events {
				if ev.Type == EventSucceeded {
					succeeded[ev.ID] = true
				}
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			for id, deps := range s.deps {
				if !succeeded[id] {
					continue
				}
				for _, dep := range deps {
					if !succeeded[dep] {
						// A failed or skipped dependency cannot coexist with a
						// succeeded dependent under the default skip policy.
						return false
					}
					if h.windows[id].start.Before(h.windows[dep].finish) {
						return false
					}
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.Property("identity interceptors preserve the raw text", prop.ForAll(
		func(seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			s := buildSession(r)
			h := &propHandler{windows: map[string]execWindow{}}
			reg := NewRegistry()
			if err := reg.Add(h); err != nil {
				return false
			}
			hooks := NewHooks()
			hooks.Add(rawDropFunc(func(chunk string) (string, bool) { return chunk, true }))
			events := runStream(t, reg, s.chunks, WithHooks(hooks))
			return completion(t, events).RawText == s.text
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestConcurrencyCapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("running invocations never exceed the effective cap", prop.ForAll(
		func(capN, calls int) bool {
			h := &cappedHandler{name: "Slow", delay: 3 * time.Millisecond, cap: capN}
			reg := NewRegistry()
			if err := reg.Add(h); err != nil {
				return false
			}
			var b strings.Builder
			for i := 0; i < calls; i++ {
				fmt.Fprintf(&b, "<S>Slow:c%d<E>\n", i)
			}
			events := runStream(t, reg, textChunks("stop", b.String()))
			if len(completion(t, events).Succeeded) != calls {
				return false
			}
			return int(h.peak.Load()) <= capN
		},
		gen.IntRange(1, 3),
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
