package graph

import (
	"fmt"

	"conductor/core"
)

// DefaultMaxAttempts bounds worker retries for nodes that do not declare
// their own ceiling.
const DefaultMaxAttempts = 3

// Build expands a workflow specification into an executable Graph. It
// validates node and edge references, resolves named predicates against
// preds, classifies back-edges and refuses unbounded cycles.
func Build(spec core.WorkflowSpec, preds core.PredicateSource) (*Graph, error) {
	if len(spec.Nodes) == 0 {
		return nil, fmt.Errorf("workflow has no nodes")
	}

	g := &Graph{
		nodes:   make(map[string]*core.Node, len(spec.Nodes)),
		order:   make([]string, 0, len(spec.Nodes)),
		results: make(map[string]core.Observation),
		reentry: make(map[string]bool),
		preds:   preds,
	}

	for i, ns := range spec.Nodes {
		if ns.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if ns.Mode == "" {
			return nil, fmt.Errorf("node %s has no mode", ns.ID)
		}
		if _, dup := g.nodes[ns.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s", ns.ID)
		}
		activation := ns.Activation
		if activation == "" {
			activation = core.ActivateAll
		}
		if activation != core.ActivateAny && activation != core.ActivateAll {
			return nil, fmt.Errorf("node %s: invalid activation rule %q", ns.ID, activation)
		}
		maxAttempts := ns.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultMaxAttempts
		}
		g.nodes[ns.ID] = &core.Node{
			ID:          ns.ID,
			Mode:        ns.Mode,
			Params:      ns.Params,
			Activation:  activation,
			Optional:    ns.Optional,
			MaxAttempts: maxAttempts,
			OutputKeys:  append([]string(nil), ns.OutputKeys...),
			Index:       i,
			Status:      core.NodePending,
		}
		g.order = append(g.order, ns.ID)
	}

	for _, ns := range spec.Nodes {
		node := g.nodes[ns.ID]
		for _, es := range ns.After {
			from, ok := g.nodes[es.From]
			if !ok {
				return nil, fmt.Errorf("node %s depends on %s which is not declared", ns.ID, es.From)
			}
			cond := es.Condition.Normalize()
			if cond.Kind == core.EdgeOnPredicate {
				if cond.Predicate == "" {
					return nil, fmt.Errorf("edge %s->%s: predicate condition without a name", es.From, ns.ID)
				}
				if preds != nil {
					if _, ok := preds.Predicate(cond.Predicate); !ok {
						return nil, fmt.Errorf("edge %s->%s: %w: %s", es.From, ns.ID, core.ErrUnknownPredicate, cond.Predicate)
					}
				}
			}
			node.Preds = append(node.Preds, core.Edge{From: es.From, To: ns.ID, Condition: cond})
			from.Succs = append(from.Succs, ns.ID)
		}
	}

	if err := g.analyzeCycles(spec.Cycles); err != nil {
		return nil, err
	}
	g.computeLevels()
	return g, nil
}

// analyzeCycles finds strongly connected components (Tarjan, iterated in
// declaration order for determinism), requires a termination bound for every
// component that actually cycles, and classifies back-edges.
func (g *Graph) analyzeCycles(bounds []core.CycleBound) error {
	index := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	next := 0
	var sccs [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.nodes[v].Succs {
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
		}

		if lowlink[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, comp)
		}
	}

	for _, id := range g.order {
		if _, seen := index[id]; !seen {
			strongconnect(id)
		}
	}

	sccOf := make(map[string]int)
	for i, comp := range sccs {
		for _, id := range comp {
			sccOf[id] = i
		}
	}

	for i, comp := range sccs {
		cyclic := len(comp) > 1
		if !cyclic {
			// A single node cycles only through a self-edge.
			id := comp[0]
			for _, s := range g.nodes[id].Succs {
				if s == id {
					cyclic = true
				}
			}
		}
		if !cyclic {
			continue
		}
		bound, ok := coveringBound(bounds, comp)
		if !ok {
			return fmt.Errorf("%w: nodes %v", core.ErrUnboundedCycle, sortedCopy(comp))
		}
		members := make(map[string]bool, len(comp))
		for _, id := range comp {
			members[id] = true
		}
		g.cycles = append(g.cycles, &cycleState{
			scc:              i,
			members:          members,
			maxIterations:    bound.MaxIterations,
			successPredicate: bound.SuccessPredicate,
			iteration:        1,
		})
		if bound.SuccessPredicate != "" && g.preds != nil {
			if _, ok := g.preds.Predicate(bound.SuccessPredicate); !ok {
				return fmt.Errorf("cycle bound: %w: %s", core.ErrUnknownPredicate, bound.SuccessPredicate)
			}
		}
	}

	// An edge whose endpoints share a cyclic component and whose target does
	// not come strictly later in declaration order closes the cycle. Such
	// back-edges drive re-entry only; they never gate activation.
	for _, id := range g.order {
		node := g.nodes[id]
		for _, e := range node.Preds {
			cs := g.cycleFor(e.From)
			if cs == nil || !cs.members[id] {
				continue
			}
			if g.nodes[e.From].Index >= node.Index {
				cs.backEdges = append(cs.backEdges, backEdge{from: e.From, to: id, condition: e.Condition})
				g.markBack(e.From, id)
			}
		}
	}
	return nil
}

// coveringBound finds a bound whose node set includes every member of comp.
func coveringBound(bounds []core.CycleBound, comp []string) (core.CycleBound, bool) {
	for _, b := range bounds {
		if b.MaxIterations <= 0 {
			continue
		}
		set := make(map[string]bool, len(b.Nodes))
		for _, id := range b.Nodes {
			set[id] = true
		}
		all := true
		for _, id := range comp {
			if !set[id] {
				all = false
				break
			}
		}
		if all {
			return b, true
		}
	}
	return core.CycleBound{}, false
}

func (g *Graph) markBack(from, to string) {
	if g.backSet == nil {
		g.backSet = make(map[[2]string]bool)
	}
	g.backSet[[2]string{from, to}] = true
}

func (g *Graph) isBackEdge(from, to string) bool {
	return g.backSet[[2]string{from, to}]
}

// computeLevels assigns the topological level of every node over the forward
// (non-back) edges: entry nodes sit at level zero, every other node one past
// its deepest forward predecessor. Levels are the primary dispatch
// tie-break.
func (g *Graph) computeLevels() {
	indeg := make(map[string]int, len(g.order))
	for _, id := range g.order {
		for _, e := range g.nodes[id].Preds {
			if !g.isBackEdge(e.From, id) {
				indeg[id]++
			}
		}
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
			g.nodes[id].Level = 0
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := g.nodes[id]
		for _, s := range node.Succs {
			if g.isBackEdge(id, s) {
				continue
			}
			succ := g.nodes[s]
			if node.Level+1 > succ.Level {
				succ.Level = node.Level + 1
			}
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
