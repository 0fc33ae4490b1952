// Package workflow implements graph-structured multi-step execution
// with per-node checkpointing and resume-from-checkpoint recovery.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/itsneelabh/agentmesh/core"
)

// NodeType tags what a workflow node does when visited.
type NodeType string

const (
	// NodeAgent delegates to the agent executor (or a simulation when
	// no executor is wired).
	NodeAgent NodeType = "agent"
	// NodeConditional picks the first outgoing edge whose condition
	// matches.
	NodeConditional NodeType = "conditional"
	// NodeParallel fans out to its listed children and waits for all.
	NodeParallel NodeType = "parallel"
	// NodeEnd captures the final state and stops the walk.
	NodeEnd NodeType = "end"
)

// Node is one vertex of a workflow graph.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Config core.Value `json:"config,omitempty"`
}

// Edge is one directed edge. Condition is empty for unconditional
// edges; on conditional nodes an empty condition is the default branch.
type Edge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// Graph is a workflow definition. Cycles are structurally permitted;
// execution rejects revisits when cycle detection is enabled.
type Graph struct {
	GraphID   string          `json:"graph_id"`
	Nodes     map[string]Node `json:"nodes"`
	Edges     []Edge          `json:"edges"`
	EntryNode string          `json:"entry_node"`
}

// Validate checks referential integrity: the entry node exists and
// every edge endpoint names a defined node.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes: %w", core.ErrGraphInvalid)
	}
	if _, ok := g.Nodes[g.EntryNode]; !ok {
		return fmt.Errorf("entry node %q not defined: %w", g.EntryNode, core.ErrGraphInvalid)
	}
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return fmt.Errorf("edge source %q not defined: %w", e.Source, core.ErrGraphInvalid)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return fmt.Errorf("edge target %q not defined: %w", e.Target, core.ErrGraphInvalid)
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving a node in declaration order.
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Serialize encodes the graph as JSON for embedding into checkpoints.
func (g *Graph) Serialize() ([]byte, error) {
	return json.Marshal(g)
}

// DeserializeGraph decodes a graph from its JSON serialization and
// validates it.
func DeserializeGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", core.ErrGraphInvalid)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// ExecutionState is the lifecycle of one workflow execution.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionSuspended ExecutionState = "suspended"
)

// NodeResult is the output of visiting one node.
type NodeResult struct {
	NodeID  string     `json:"node_id"`
	Success bool       `json:"success"`
	Output  core.Value `json:"output,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Execution is the tracked state of one workflow run. ExecutionPath is
// the ordered visit prefix; VisitedNodes is the same set keyed for
// cycle detection.
type Execution struct {
	ExecutionID   string                 `json:"execution_id"`
	Graph         *Graph                 `json:"graph"`
	State         ExecutionState         `json:"state"`
	CurrentNode   string                 `json:"current_node"`
	VisitedNodes  map[string]bool        `json:"visited_nodes"`
	ExecutionPath []string               `json:"execution_path"`
	Depth         int                    `json:"depth"`
	Values        core.Value             `json:"execution_state"`
	Results       map[string]*NodeResult `json:"results"`
	Error         string                 `json:"error,omitempty"`
}
