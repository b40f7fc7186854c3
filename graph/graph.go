package graph

import (
	"fmt"
	"sort"

	"conductor/core"
)

type backEdge struct {
	from      string
	to        string
	condition core.EdgeCondition
}

// cycleState tracks one bounded cyclic sub-graph: its members, the iteration
// counter and the exit conditions.
type cycleState struct {
	scc              int
	members          map[string]bool
	backEdges        []backEdge
	maxIterations    int
	successPredicate string
	iteration        int
	exited           bool
	exhausted        bool
}

// active reports whether the cycle may still re-activate its members.
func (c *cycleState) active() bool {
	return !c.exited && !c.exhausted && c.iteration < c.maxIterations
}

// Graph is one run's executable node graph. It is not internally
// synchronized: the engine serializes all access through the run-level
// exclusive section.
type Graph struct {
	nodes   map[string]*core.Node
	order   []string
	cycles  []*cycleState
	backSet map[[2]string]bool
	results map[string]core.Observation
	reentry map[string]bool
	preds   core.PredicateSource
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*core.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []*core.Node {
	out := make([]*core.Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Observation returns the latest terminal observation recorded for a node in
// the current iteration.
func (g *Graph) Observation(id string) (core.Observation, bool) {
	obs, ok := g.results[id]
	return obs, ok
}

func (g *Graph) cycleFor(id string) *cycleState {
	for _, c := range g.cycles {
		if c.members[id] {
			return c
		}
	}
	return nil
}

// edgeSatisfied reports whether an edge's condition currently holds against
// its producer's recorded observation.
func (g *Graph) edgeSatisfied(e core.Edge) bool {
	producer := g.nodes[e.From]
	if !producer.Status.Terminal() || producer.Status == core.NodeSkipped {
		return false
	}
	obs, ok := g.results[e.From]
	if !ok {
		return false
	}
	switch e.Condition.Kind {
	case core.EdgeOnSuccess:
		return obs.Status == core.ObservationSucceeded
	case core.EdgeOnFailure:
		return obs.Status == core.ObservationFailed
	case core.EdgeOnPredicate:
		if g.preds == nil {
			return false
		}
		fn, ok := g.preds.Predicate(e.Condition.Predicate)
		if !ok {
			return false
		}
		return fn(obs)
	default:
		return false
	}
}

// edgeDead reports whether an edge can no longer be satisfied in this run:
// its producer is terminal with a non-matching observation and no active
// cycle can re-run the producer.
func (g *Graph) edgeDead(e core.Edge) bool {
	producer := g.nodes[e.From]
	if !producer.Status.Terminal() {
		return false
	}
	if g.edgeSatisfied(e) {
		return false
	}
	if cs := g.cycleFor(e.From); cs != nil && cs.active() {
		return false
	}
	return true
}

// Ready returns the nodes whose activation rule is satisfied, stamped
// NodeReady, ordered by topological level then declaration order. Back-edges
// never gate activation; they only drive cycle re-entry.
func (g *Graph) Ready() []*core.Node {
	var ready []*core.Node
	for _, id := range g.order {
		node := g.nodes[id]
		switch node.Status {
		case core.NodeReady:
			// Already vetted when stamped. A retried cycle entry must not
			// re-run the activation check: its re-entry marker was consumed
			// at first dispatch of the iteration.
			ready = append(ready, node)
		case core.NodePending:
			if g.activationSatisfied(node) {
				node.Status = core.NodeReady
				ready = append(ready, node)
			}
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Level != ready[j].Level {
			return ready[i].Level < ready[j].Level
		}
		return ready[i].Index < ready[j].Index
	})
	return ready
}

func (g *Graph) activationSatisfied(node *core.Node) bool {
	if g.reentry[node.ID] {
		return true
	}
	forward := g.forwardPreds(node)
	if len(forward) == 0 {
		// Entry node: ready on first iteration only; later iterations go
		// through the re-entry marker.
		return !g.pastFirstIteration(node.ID)
	}
	switch node.Activation {
	case core.ActivateAny:
		for _, e := range forward {
			if g.edgeSatisfied(e) {
				return true
			}
		}
		return false
	default: // ActivateAll
		for _, e := range forward {
			producer := g.nodes[e.From]
			if !producer.Status.Terminal() {
				return false
			}
			if !g.edgeSatisfied(e) {
				return false
			}
		}
		return true
	}
}

func (g *Graph) forwardPreds(node *core.Node) []core.Edge {
	out := make([]core.Edge, 0, len(node.Preds))
	for _, e := range node.Preds {
		if !g.isBackEdge(e.From, node.ID) {
			out = append(out, e)
		}
	}
	return out
}

func (g *Graph) pastFirstIteration(id string) bool {
	cs := g.cycleFor(id)
	return cs != nil && cs.iteration > 1
}

// MarkDispatched transitions a ready node to dispatched and counts the
// attempt.
func (g *Graph) MarkDispatched(id string) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, id)
	}
	if node.Status != core.NodeReady {
		return fmt.Errorf("node %s is %s, not ready", id, node.Status)
	}
	node.Status = core.NodeDispatched
	node.Attempts++
	delete(g.reentry, id)
	return nil
}

// MarkAwaitingApproval suspends a dispatched node pending an approval
// callback. Only the node suspends; the rest of the graph keeps going.
func (g *Graph) MarkAwaitingApproval(id string) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, id)
	}
	if node.Status != core.NodeDispatched {
		return fmt.Errorf("node %s is %s, not dispatched", id, node.Status)
	}
	node.Status = core.NodeAwaitingApproval
	return nil
}

// Resume returns an approval-suspended node to dispatched.
func (g *Graph) Resume(id string) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, id)
	}
	if node.Status != core.NodeAwaitingApproval {
		return fmt.Errorf("node %s is %s, not awaiting approval", id, node.Status)
	}
	node.Status = core.NodeDispatched
	return nil
}

// Retry returns a dispatched node to ready for another attempt.
func (g *Graph) Retry(id string) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, id)
	}
	if node.Status != core.NodeDispatched && node.Status != core.NodeAwaitingApproval {
		return fmt.Errorf("node %s is %s, not in flight", id, node.Status)
	}
	node.Status = core.NodeReady
	return nil
}

// Complete records a node's terminal observation, updates its status
// monotonically, handles cycle exits and re-entries, and propagates skips to
// successors that can no longer activate.
func (g *Graph) Complete(id string, obs core.Observation) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNodeNotFound, id)
	}
	if node.Status.Terminal() {
		return fmt.Errorf("node %s already terminal (%s)", id, node.Status)
	}
	g.results[id] = obs
	if obs.Status == core.ObservationSucceeded {
		node.Status = core.NodeSucceeded
	} else {
		node.Status = core.NodeFailed
	}
	g.handleCycle(id, obs)
	g.settle()
	return nil
}

// handleCycle checks whether the completed node closes a bounded cycle: exit
// on the success predicate, re-enter while iterations remain, otherwise mark
// the cycle exhausted.
func (g *Graph) handleCycle(id string, obs core.Observation) {
	cs := g.cycleFor(id)
	if cs == nil || cs.exited || cs.exhausted {
		return
	}

	if cs.successPredicate != "" && g.preds != nil {
		if fn, ok := g.preds.Predicate(cs.successPredicate); ok && fn(obs) {
			cs.exited = true
			return
		}
	}

	for _, be := range cs.backEdges {
		if be.from != id {
			continue
		}
		if !g.edgeSatisfied(core.Edge{From: be.from, To: be.to, Condition: be.condition}) {
			continue
		}
		if cs.iteration >= cs.maxIterations {
			cs.exhausted = true
			return
		}
		cs.iteration++
		g.reactivate(cs, be.to)
		return
	}
}

// reactivate resets the cycle members for the next iteration and marks the
// back-edge target as the re-entry point.
func (g *Graph) reactivate(cs *cycleState, entry string) {
	for _, id := range g.order {
		if !cs.members[id] {
			continue
		}
		node := g.nodes[id]
		node.Status = core.NodePending
		node.Attempts = 0
		delete(g.results, id)
	}
	g.reentry[entry] = true
}

// settle marks pending nodes whose activation has become impossible as
// skipped, repeating until a fixpoint so skips cascade along dead paths.
func (g *Graph) settle() {
	for {
		changed := false
		for _, id := range g.order {
			node := g.nodes[id]
			if node.Status != core.NodePending {
				continue
			}
			if g.reentry[id] {
				continue
			}
			if g.activationImpossible(node) {
				node.Status = core.NodeSkipped
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

func (g *Graph) activationImpossible(node *core.Node) bool {
	forward := g.forwardPreds(node)
	if len(forward) == 0 {
		return g.pastFirstIteration(node.ID) && !g.reentry[node.ID] && g.cycleInactive(node.ID)
	}
	switch node.Activation {
	case core.ActivateAny:
		for _, e := range forward {
			if !g.edgeDead(e) {
				return false
			}
		}
		return true
	default: // ActivateAll
		for _, e := range forward {
			if g.edgeDead(e) {
				return true
			}
		}
		return false
	}
}

func (g *Graph) cycleInactive(id string) bool {
	cs := g.cycleFor(id)
	return cs == nil || !cs.active()
}

// Inputs collects the satisfied predecessor observations handed to the
// worker as the node's input context, keyed by producing node.
func (g *Graph) Inputs(id string) map[string]core.Observation {
	node, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make(map[string]core.Observation)
	for _, e := range node.Preds {
		if g.isBackEdge(e.From, id) {
			continue
		}
		if g.edgeSatisfied(e) {
			out[e.From] = g.results[e.From]
		}
	}
	return out
}

// Done reports whether no node can make further progress: everything is
// terminal and no re-entry is pending.
func (g *Graph) Done() bool {
	if len(g.reentry) > 0 {
		return false
	}
	for _, id := range g.order {
		if !g.nodes[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// Stuck reports whether the graph has non-terminal nodes but nothing ready,
// dispatched or awaiting resume, which means activation deadlock.
func (g *Graph) Stuck() bool {
	if g.Done() {
		return false
	}
	for _, id := range g.order {
		switch g.nodes[id].Status {
		case core.NodeReady, core.NodeDispatched, core.NodeAwaitingApproval:
			return false
		}
	}
	return len(g.Ready()) == 0
}

// ExhaustedCycle reports whether a bounded cycle ran out of iterations, and
// names one of its member nodes for the failure outcome.
func (g *Graph) ExhaustedCycle() (string, bool) {
	for _, cs := range g.cycles {
		if cs.exhausted {
			for _, id := range g.order {
				if cs.members[id] {
					return id, true
				}
			}
			return "", true
		}
	}
	return "", false
}

// FailedRequired returns required (non-optional) nodes that ended Failed
// while their cycles, if any, can no longer retry them.
func (g *Graph) FailedRequired() []*core.Node {
	var out []*core.Node
	for _, id := range g.order {
		node := g.nodes[id]
		if node.Status != core.NodeFailed || node.Optional {
			continue
		}
		if cs := g.cycleFor(id); cs != nil && cs.active() {
			continue
		}
		out = append(out, node)
	}
	return out
}

// State snapshots every node's mutable status for persistence.
type State struct {
	Statuses        map[string]core.NodeStatus  `json:"statuses"`
	Attempts        map[string]int              `json:"attempts"`
	Results         map[string]core.Observation `json:"results"`
	CycleIterations []int                       `json:"cycle_iterations,omitempty"`
	CycleExited     []bool                      `json:"cycle_exited,omitempty"`
	CycleExhausted  []bool                      `json:"cycle_exhausted,omitempty"`
	Reentry         []string                    `json:"reentry,omitempty"`
}

// Snapshot captures the graph's mutable state.
func (g *Graph) Snapshot() State {
	st := State{
		Statuses: make(map[string]core.NodeStatus, len(g.order)),
		Attempts: make(map[string]int, len(g.order)),
		Results:  make(map[string]core.Observation, len(g.results)),
	}
	for _, id := range g.order {
		st.Statuses[id] = g.nodes[id].Status
		st.Attempts[id] = g.nodes[id].Attempts
	}
	for id, obs := range g.results {
		st.Results[id] = obs
	}
	for _, cs := range g.cycles {
		st.CycleIterations = append(st.CycleIterations, cs.iteration)
		st.CycleExited = append(st.CycleExited, cs.exited)
		st.CycleExhausted = append(st.CycleExhausted, cs.exhausted)
	}
	for id := range g.reentry {
		st.Reentry = append(st.Reentry, id)
	}
	sort.Strings(st.Reentry)
	return st
}

// Restore applies a snapshot taken from the same workflow specification.
func (g *Graph) Restore(st State) error {
	for id, status := range st.Statuses {
		node, ok := g.nodes[id]
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrNodeNotFound, id)
		}
		node.Status = status
		node.Attempts = st.Attempts[id]
	}
	g.results = make(map[string]core.Observation, len(st.Results))
	for id, obs := range st.Results {
		g.results[id] = obs
	}
	for i, cs := range g.cycles {
		if i < len(st.CycleIterations) {
			cs.iteration = st.CycleIterations[i]
		}
		if i < len(st.CycleExited) {
			cs.exited = st.CycleExited[i]
		}
		if i < len(st.CycleExhausted) {
			cs.exhausted = st.CycleExhausted[i]
		}
	}
	g.reentry = make(map[string]bool)
	for _, id := range st.Reentry {
		g.reentry[id] = true
	}
	return nil
}
