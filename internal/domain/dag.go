package domain

import (
	"fmt"
	"sort"
)

// ValidateDAG checks structural soundness of a Pipeline's node/edge graph:
// unique node ids, edges referencing known nodes, guards only on edges out
// of condition nodes, at least one trigger node, and acyclicity via Kahn's
// algorithm. It returns a topological order of node ids on success, which
// the engine uses to size its ready-set scan.
func ValidateDAG(p *Pipeline) ([]string, error) {
	if len(p.Nodes) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no nodes", ErrValidation)
	}

	seen := make(map[string]Node, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrValidation)
		}
		if _, dup := seen[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrValidation, n.ID)
		}
		if err := ValidateNodeConfig(n); err != nil {
			return nil, err
		}
		seen[n.ID] = n
	}

	hasTrigger := false
	for _, n := range p.Nodes {
		if n.Kind == NodeTrigger {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger {
		return nil, fmt.Errorf("%w: pipeline has no trigger node", ErrValidation)
	}

	indegree := make(map[string]int, len(p.Nodes))
	adjacency := make(map[string][]string, len(p.Nodes))
	for id := range seen {
		indegree[id] = 0
	}
	for _, e := range p.Edges {
		from, ok := seen[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge references unknown node %q", ErrValidation, e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return nil, fmt.Errorf("%w: edge references unknown node %q", ErrValidation, e.To)
		}
		if e.Guard != GuardNone && from.Kind != NodeCondition {
			return nil, fmt.Errorf("%w: edge %s->%s has a guard but %s is not a condition node", ErrValidation, e.From, e.To, e.From)
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
		indegree[e.To]++
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(seen))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := append([]string(nil), adjacency[id]...)
		sort.Strings(next)
		for _, to := range next {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(seen) {
		return nil, fmt.Errorf("%w: cycle detected among nodes", ErrValidation)
	}
	return order, nil
}
