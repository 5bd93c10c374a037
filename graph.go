package strand

import (
	"fmt"
	"strings"
	"time"
)

// nodeState is the lifecycle of one invocation inside a session.
type nodeState int

const (
	statePending nodeState = iota
	stateReady
	stateRunning
	stateSucceeded
	stateFailed
	stateSkipped
)

func (s nodeState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateSkipped:
		return "skipped"
	}
	return "unknown"
}

func (s nodeState) terminal() bool { return s >= stateSucceeded }

// graphNode is one entry of the dependency graph.
type graphNode struct {
	call    InvocationCall
	state   nodeState
	waiting map[string]struct{} // dependency ids not yet succeeded
	result  *Result
	err     *InvocationError
	started  time.Time
	finished time.Time
}

// doomedNode pairs a pending invocation with the dependency error that dooms
// it, for the dependency-skip controllers to rule on.
type doomedNode struct {
	id    string
	cause *InvocationError
}

// Seeds pre-populates a session with invocation ids that reached a terminal
// state in prior iterations. New calls depending on a seeded id are satisfied
// (or doomed) immediately, without placeholder nodes.
type Seeds struct {
	Succeeded []string
	Failed    []string
}

// depGraph is the in-memory DAG of invocation nodes. It is not safe for
// concurrent use; the scheduler serializes access behind its own mutex.
type depGraph struct {
	nodes   map[string]*graphNode
	order   []string            // insertion order, for deterministic sweeps
	waiters map[string][]string // dep id -> pending node ids (incl. forward refs)
	seedOK  map[string]struct{}
	seedBad map[string]struct{}

	ready  []string
	doomed []doomedNode
}

func newDepGraph(seeds Seeds) *depGraph {
	g := &depGraph{
		nodes:   map[string]*graphNode{},
		waiters: map[string][]string{},
		seedOK:  map[string]struct{}{},
		seedBad: map[string]struct{}{},
	}
	for _, id := range seeds.Succeeded {
		g.seedOK[id] = struct{}{}
	}
	for _, id := range seeds.Failed {
		g.seedBad[id] = struct{}{}
	}
	return g
}

// insert registers a parsed call. Duplicate ids are a parse-level error: the
// duplicate never enters the graph and the caller records it as Failed.
func (g *depGraph) insert(call InvocationCall) error {
	if _, exists := g.nodes[call.ID]; exists {
		return fmt.Errorf("duplicate invocation id %q", call.ID)
	}
	n := &graphNode{call: call, waiting: map[string]struct{}{}}
	g.nodes[call.ID] = n
	g.order = append(g.order, call.ID)

	var doomCause *InvocationError
	for _, dep := range call.Deps {
		if dep == call.ID {
			// Self-dependency can never be satisfied.
			doomCause = &InvocationError{
				Kind:    KindDependencyFailed,
				Message: "invocation depends on itself",
				Cause:   dep,
			}
			continue
		}
		if _, ok := g.seedOK[dep]; ok {
			continue
		}
		if _, ok := g.seedBad[dep]; ok {
			doomCause = depSkipError(dep, "failed in a previous iteration")
			continue
		}
		if d, ok := g.nodes[dep]; ok {
			switch d.state {
			case stateSucceeded:
				continue
			case stateFailed, stateSkipped:
				doomCause = depSkipError(dep, d.state.String())
				continue
			}
		}
		// Unknown (forward reference) or not yet terminal.
		n.waiting[dep] = struct{}{}
		g.waiters[dep] = append(g.waiters[dep], call.ID)
	}

	switch {
	case doomCause != nil:
		g.doomed = append(g.doomed, doomedNode{id: call.ID, cause: doomCause})
	case len(n.waiting) == 0:
		n.state = stateReady
		g.ready = append(g.ready, call.ID)
	}
	return nil
}

// markRunning moves a node into Running. The scheduler calls this after the
// concurrency gate admits the invocation.
func (g *depGraph) markRunning(id string) {
	if n, ok := g.nodes[id]; ok {
		n.state = stateRunning
		n.started = time.Now()
	}
}

// markTerminal records an outcome and walks forward edges, promoting
// dependents into the ready or doomed sets. Returns false when the node is
// unknown or already terminal, in which case nothing changed and the caller
// must not emit a terminal event.
func (g *depGraph) markTerminal(id string, result *Result, err *InvocationError) bool {
	n, ok := g.nodes[id]
	if !ok || n.state.terminal() {
		return false
	}
	n.finished = time.Now()
	n.result = result
	n.err = err
	switch {
	case err == nil:
		n.state = stateSucceeded
	case err.Skip():
		n.state = stateSkipped
	default:
		n.state = stateFailed
	}

	succeeded := n.state == stateSucceeded
	for _, depID := range g.waiters[id] {
		d, ok := g.nodes[depID]
		if !ok || d.state != statePending {
			continue
		}
		delete(d.waiting, id)
		if !succeeded {
			g.doomed = append(g.doomed, doomedNode{id: depID, cause: depSkipError(id, n.state.String())})
			continue
		}
		if len(d.waiting) == 0 {
			d.state = stateReady
			g.ready = append(g.ready, depID)
		}
	}
	delete(g.waiters, id)
	return true
}

// forceReady re-arms a doomed pending node whose dependency-skip controller
// chose execute-anyway.
func (g *depGraph) forceReady(id string) bool {
	n, ok := g.nodes[id]
	if !ok || n.state != statePending {
		return false
	}
	n.state = stateReady
	clear(n.waiting)
	return true
}

// pollReady drains and returns the current ready set; the caller owns
// dispatch of the returned ids.
func (g *depGraph) pollReady() []string {
	out := g.ready
	g.ready = nil
	return out
}

// pollDoomed drains pending nodes that acquired a failed or skipped
// dependency. A node may appear once per doomed dependency; callers skip
// entries whose node already left Pending.
func (g *depGraph) pollDoomed() []doomedNode {
	out := g.doomed
	g.doomed = nil
	return out
}

func (g *depGraph) node(id string) *graphNode { return g.nodes[id] }

func (g *depGraph) pending() []string {
	var out []string
	for _, id := range g.order {
		if g.nodes[id].state == statePending {
			out = append(out, id)
		}
	}
	return out
}

// unresolvedOnClose classifies every still-Pending node once the stream has
// ended and no invocations are in flight: nodes waiting on an id that never
// appeared are dangling references; the rest wait only on other pending
// nodes, which means a dependency cycle. Returns diagnostics; the caller
// marks the nodes terminal (cascading dooms follow via markTerminal).
func (g *depGraph) unresolvedOnClose() []doomedNode {
	var out []doomedNode
	for _, id := range g.order {
		n := g.nodes[id]
		if n.state != statePending {
			continue
		}
		var missing, cyclic []string
		live := false
		for dep := range n.waiting {
			d, known := g.nodes[dep]
			switch {
			case !known:
				missing = append(missing, dep)
			case d.state == stateReady || d.state == stateRunning:
				live = true
			case d.state == statePending:
				cyclic = append(cyclic, dep)
			}
		}
		if live {
			// A dependency is still executing; this node is merely deferred.
			continue
		}
		switch {
		case len(missing) > 0:
			out = append(out, doomedNode{id: id, cause: &InvocationError{
				Kind:    KindDanglingReference,
				Message: fmt.Sprintf("dependency %s never appeared in the stream", strings.Join(missing, ", ")),
				Cause:   missing[0],
			}})
		case len(cyclic) > 0:
			out = append(out, doomedNode{id: id, cause: &InvocationError{
				Kind:    KindCycle,
				Message: fmt.Sprintf("dependency cycle through %s", strings.Join(cyclic, ", ")),
				Cause:   cyclic[0],
			}})
		}
	}
	return out
}

func depSkipError(dep, state string) *InvocationError {
	return &InvocationError{
		Kind:    KindDependencyFailed,
		Message: fmt.Sprintf("dependency %s %s", dep, state),
		Cause:   dep,
	}
}
