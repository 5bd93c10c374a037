package strand

import (
	"testing"
)

func call(handler, id string, deps ...string) InvocationCall {
	return InvocationCall{Handler: handler, ID: id, Deps: deps}
}

func mustInsert(t *testing.T, g *depGraph, c InvocationCall) {
	t.Helper()
	if err := g.insert(c); err != nil {
		t.Fatalf("insert %s: %v", c.ID, err)
	}
}

func TestGraphReadyWithoutDeps(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Echo", "a"))
	ready := g.pollReady()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("ready = %v", ready)
	}
	if len(g.pollReady()) != 0 {
		t.Error("pollReady must drain")
	}
}

func TestGraphForwardReference(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Echo", "b", "a")) // forward ref to a
	if len(g.pollReady()) != 0 {
		t.Fatal("b must wait for a")
	}
	mustInsert(t, g, call("Echo", "a"))
	ready := g.pollReady()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("ready = %v", ready)
	}
	// b stays deferred until a reaches a terminal state.
	g.markRunning("a")
	if len(g.pollReady()) != 0 {
		t.Fatal("b must not be ready while a runs")
	}
	g.markTerminal("a", &Result{Text: "ok"}, nil)
	ready = g.pollReady()
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("after a succeeded, ready = %v", ready)
	}
}

func TestGraphFailureDoomsDependents(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Fail", "x"))
	mustInsert(t, g, call("Ok", "y", "x"))
	g.pollReady()
	g.markRunning("x")
	g.markTerminal("x", nil, &InvocationError{Kind: KindExecution, Message: "boom"})

	doomed := g.pollDoomed()
	if len(doomed) != 1 || doomed[0].id != "y" {
		t.Fatalf("doomed = %+v", doomed)
	}
	if doomed[0].cause.Cause != "x" || doomed[0].cause.Kind != KindDependencyFailed {
		t.Errorf("cause = %+v", doomed[0].cause)
	}
}

func TestGraphInsertAfterDepFailed(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Fail", "x"))
	g.pollReady()
	g.markTerminal("x", nil, &InvocationError{Kind: KindExecution, Message: "boom"})

	mustInsert(t, g, call("Ok", "y", "x"))
	doomed := g.pollDoomed()
	if len(doomed) != 1 || doomed[0].id != "y" {
		t.Fatalf("doomed = %+v", doomed)
	}
}

func TestGraphSelfDependency(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Echo", "a", "a"))
	doomed := g.pollDoomed()
	if len(doomed) != 1 || doomed[0].id != "a" || doomed[0].cause.Cause != "a" {
		t.Fatalf("doomed = %+v", doomed)
	}
	if len(g.pollReady()) != 0 {
		t.Error("self-dependent node must never be ready")
	}
}

func TestGraphDuplicateID(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Echo", "a"))
	if err := g.insert(call("Echo", "a")); err == nil {
		t.Fatal("duplicate insert must error")
	}
}

func TestGraphSeeds(t *testing.T) {
	g := newDepGraph(Seeds{Succeeded: []string{"prev"}, Failed: []string{"bad"}})

	mustInsert(t, g, call("Echo", "a", "prev"))
	ready := g.pollReady()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("seeded dep should satisfy immediately, ready = %v", ready)
	}

	mustInsert(t, g, call("Echo", "b", "bad"))
	doomed := g.pollDoomed()
	if len(doomed) != 1 || doomed[0].id != "b" || doomed[0].cause.Cause != "bad" {
		t.Fatalf("doomed = %+v", doomed)
	}
	if _, ok := g.nodes["prev"]; ok {
		t.Error("seeds must not create placeholder nodes")
	}
}

func TestGraphUnresolvedOnCloseDangling(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Echo", "a", "ghost"))
	list := g.unresolvedOnClose()
	if len(list) != 1 || list[0].id != "a" || list[0].cause.Kind != KindDanglingReference {
		t.Fatalf("unresolved = %+v", list)
	}
}

func TestGraphUnresolvedOnCloseCycle(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Echo", "a", "b"))
	mustInsert(t, g, call("Echo", "b", "a"))
	list := g.unresolvedOnClose()
	if len(list) != 2 {
		t.Fatalf("unresolved = %+v", list)
	}
	for _, d := range list {
		if d.cause.Kind != KindCycle {
			t.Errorf("node %s kind = %s", d.id, d.cause.Kind)
		}
	}
}

func TestGraphUnresolvedSkipsNodesBehindLiveDeps(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Slow", "a"))
	mustInsert(t, g, call("Echo", "b", "a"))
	g.pollReady()
	g.markRunning("a")
	if list := g.unresolvedOnClose(); len(list) != 0 {
		t.Fatalf("b is merely deferred, got %+v", list)
	}
}

func TestGraphForceReady(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Fail", "x"))
	mustInsert(t, g, call("Ok", "y", "x"))
	g.pollReady()
	g.markTerminal("x", nil, &InvocationError{Kind: KindExecution, Message: "boom"})
	g.pollDoomed()

	if !g.forceReady("y") {
		t.Fatal("forceReady on pending node must succeed")
	}
	if g.nodes["y"].state != stateReady {
		t.Errorf("state = %v", g.nodes["y"].state)
	}
	if g.forceReady("y") {
		t.Error("forceReady on non-pending node must fail")
	}
}

func TestGraphExactlyOneTerminalTransition(t *testing.T) {
	g := newDepGraph(Seeds{})
	mustInsert(t, g, call("Echo", "a"))
	if !g.markTerminal("a", &Result{Text: "ok"}, nil) {
		t.Fatal("first terminal transition must succeed")
	}
	if g.markTerminal("a", nil, &InvocationError{Kind: KindExecution}) {
		t.Fatal("second terminal transition must be rejected")
	}
}
