package graphexec

import (
	"github.com/corewave/agentflow/execerr"
)

// Validate checks cfg against spec.md §4.9's registration-time
// invariants. Everything except the handoff-target check is fatal
// (ValidationError); the handoff check is a warning, returned as the
// second value rather than an error.
func Validate(cfg Config) (warnings []string, err error) {
	ids := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if ids[n.ID] {
			return nil, execerr.Validation("duplicate node id: " + n.ID)
		}
		ids[n.ID] = true
	}
	if cfg.EntryNode == "" || !ids[cfg.EntryNode] {
		return nil, execerr.Validation("entryNode not found: " + cfg.EntryNode)
	}

	for _, e := range cfg.Edges {
		if !ids[e.From] {
			return nil, execerr.Validation("edge references unknown from-node: " + e.From)
		}
		if !ids[e.To] {
			return nil, execerr.Validation("edge references unknown to-node: " + e.To)
		}
	}
	for _, n := range cfg.Nodes {
		if n.Kind == NodeFork {
			for _, b := range n.Branches {
				if !ids[b] {
					return nil, execerr.Validation("fork branch references unknown node: " + b)
				}
			}
		}
		if n.Kind == NodeJoin {
			for _, s := range n.Sources {
				if !ids[s] {
					return nil, execerr.Validation("join source references unknown node: " + s)
				}
			}
		}
	}

	if err := checkAcyclic(cfg); err != nil {
		return nil, err
	}

	if err := checkDefaultRequired(cfg); err != nil {
		return nil, err
	}

	warnings = checkHandoffTargets(cfg)
	return warnings, nil
}

// checkAcyclic runs a directed cycle check over (from, to) edges plus
// fork->branch and source->join edges, since those also constrain
// execution order.
func checkAcyclic(cfg Config) error {
	adj := make(map[string][]string)
	for _, e := range cfg.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	for _, n := range cfg.Nodes {
		if n.Kind == NodeFork {
			adj[n.ID] = append(adj[n.ID], n.Branches...)
		}
		if n.Kind == NodeJoin {
			for _, s := range n.Sources {
				adj[s] = append(adj[s], n.ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return execerr.Validation("graph contains a cycle involving node: " + next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, n := range cfg.Nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDefaultRequired enforces: a node with >=2 outgoing edges must
// have at least one edge that is Default or unconditional.
func checkDefaultRequired(cfg Config) error {
	outgoing := make(map[string][]Edge)
	for _, e := range cfg.Edges {
		outgoing[e.From] = append(outgoing[e.From], e)
	}
	for from, edges := range outgoing {
		if len(edges) < 2 {
			continue
		}
		hasDefault := false
		for _, e := range edges {
			if e.Default || e.Condition == nil {
				hasDefault = true
				break
			}
		}
		if !hasDefault {
			return execerr.Validation("node has multiple outgoing edges with no default/unconditional edge: " + from)
		}
	}
	return nil
}

// checkHandoffTargets warns (does not fail) when a declared handoff
// target is not an agent node in this workflow.
func checkHandoffTargets(cfg Config) []string {
	agentNodeIDs := make(map[string]bool)
	for _, n := range cfg.Nodes {
		if n.Kind == NodeAgent {
			agentNodeIDs[n.AgentID] = true
		}
	}
	var warnings []string
	for src, dsts := range cfg.Handoffs {
		for dst := range dsts {
			if !agentNodeIDs[dst] {
				warnings = append(warnings, "handoff target not an agent node in this workflow: "+src+" -> "+dst)
			}
		}
	}
	return warnings
}
