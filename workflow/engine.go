package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/itsneelabh/agentmesh/core"
	"github.com/itsneelabh/agentmesh/telemetry"
)

// NodeRunner executes agent-type nodes. The runtime facade adapts the
// agent executor to this; without one the engine simulates agent nodes
// so graphs stay executable in tests.
type NodeRunner interface {
	RunNode(ctx context.Context, nodeID string, config core.Value, values core.Value) (core.Value, error)
}

// Engine executes workflow graphs with bounded depth, optional cycle
// detection, per-node checkpointing, and resume from checkpoint.
type Engine struct {
	config core.WorkflowConfig
	runner NodeRunner
	store  core.CheckpointStore
	hot    core.HotStateStore
	logger core.Logger

	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewEngine creates a workflow engine. runner, store, and hot may each
// be nil; the engine degrades to simulation and in-memory-only
// tracking.
func NewEngine(config core.WorkflowConfig, runner NodeRunner, store core.CheckpointStore, hot core.HotStateStore, logger core.Logger) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("workflow/engine")
	}
	return &Engine{
		config:     config,
		runner:     runner,
		store:      store,
		hot:        hot,
		logger:     logger,
		executions: make(map[string]*Execution),
	}
}

// Execute runs a graph from its entry node and returns the completed
// execution record. The run is bounded by the configured workflow
// timeout.
func (e *Engine) Execute(ctx context.Context, graph *Graph, initial core.Value) (*Execution, error) {
	const op = "workflow.Execute"

	if err := graph.Validate(); err != nil {
		return nil, core.NewError(core.CodeSagaInvalid, core.KindInvalid, op, graph.GraphID, err)
	}

	if e.config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	exec := &Execution{
		ExecutionID:  uuid.NewString(),
		Graph:        graph,
		State:        ExecutionRunning,
		VisitedNodes: make(map[string]bool),
		Values:       cloneValues(initial),
		Results:      make(map[string]*NodeResult),
	}
	if exec.Values == nil {
		exec.Values = core.Value{}
	}

	e.mu.Lock()
	e.executions[exec.ExecutionID] = exec
	e.mu.Unlock()

	ctx, span := otel.Tracer("agentmesh/workflow").Start(ctx, "workflow.execute")
	span.SetAttributes(
		attribute.String("workflow.graph_id", graph.GraphID),
		attribute.String("workflow.execution_id", exec.ExecutionID),
	)
	defer span.End()

	err := e.executeNode(ctx, exec, graph.EntryNode)
	e.finish(ctx, exec, err)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return exec, err
	}
	return exec, nil
}

func (e *Engine) finish(ctx context.Context, exec *Execution, err error) {
	e.mu.Lock()
	if err != nil {
		exec.State = ExecutionFailed
		exec.Error = err.Error()
	} else {
		exec.State = ExecutionCompleted
	}
	e.mu.Unlock()

	e.logger.InfoWithContext(ctx, "Workflow finished", map[string]interface{}{
		"execution_id": exec.ExecutionID,
		"state":        string(exec.State),
		"nodes":        len(exec.ExecutionPath),
	})
}

// executeNode visits one node and recurses to its successor. Depth is a
// recursion counter bounded by max_graph_depth; cycle detection rejects
// a second visit of any node.
func (e *Engine) executeNode(ctx context.Context, exec *Execution, nodeID string) error {
	const op = "workflow.ExecuteNode"

	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if exec.Depth >= e.config.MaxGraphDepth {
		depth := exec.Depth
		e.mu.Unlock()
		return core.NewError(core.CodeSagaInvalid, core.KindInvalid, op, nodeID,
			fmt.Errorf("%w: depth %d", core.ErrDepthExceeded, depth))
	}
	node, ok := exec.Graph.Nodes[nodeID]
	if !ok {
		e.mu.Unlock()
		return core.NewError(core.CodeSagaInvalid, core.KindInvalid, op, nodeID,
			fmt.Errorf("node %q not in graph: %w", nodeID, core.ErrGraphInvalid))
	}
	if e.config.CycleDetection && exec.VisitedNodes[nodeID] {
		e.mu.Unlock()
		return core.NewError(core.CodeSagaInvalid, core.KindInvalid, op, nodeID,
			fmt.Errorf("%w: node %q", core.ErrCycleDetected, nodeID))
	}
	exec.VisitedNodes[nodeID] = true
	exec.ExecutionPath = append(exec.ExecutionPath, nodeID)
	exec.CurrentNode = nodeID
	exec.Depth++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		exec.Depth--
		e.mu.Unlock()
	}()

	result, err := e.runNode(ctx, exec, node)

	e.mu.Lock()
	exec.Results[nodeID] = result
	e.mu.Unlock()

	if e.config.CheckpointOnNodeComplete {
		e.checkpoint(ctx, exec)
	}
	if err != nil {
		return err
	}

	next := e.nextNode(exec, node, result)
	if next == "" {
		return nil
	}
	return e.executeNode(ctx, exec, next)
}

func (e *Engine) runNode(ctx context.Context, exec *Execution, node Node) (*NodeResult, error) {
	switch node.Type {
	case NodeAgent:
		return e.runAgentNode(ctx, exec, node)
	case NodeConditional:
		// Conditional nodes do no work themselves; routing happens in
		// successor selection.
		return &NodeResult{NodeID: node.ID, Success: true}, nil
	case NodeParallel:
		return e.runParallelNode(ctx, exec, node)
	case NodeEnd:
		e.mu.RLock()
		final := cloneValues(exec.Values)
		e.mu.RUnlock()
		return &NodeResult{
			NodeID:  node.ID,
			Success: true,
			Output:  core.Value{"final_state": final, "completed": true},
		}, nil
	default:
		return nil, fmt.Errorf("no handler for node type %q: %w", node.Type, core.ErrGraphInvalid)
	}
}

func (e *Engine) runAgentNode(ctx context.Context, exec *Execution, node Node) (*NodeResult, error) {
	e.mu.RLock()
	values := cloneValues(exec.Values)
	e.mu.RUnlock()

	var output core.Value
	var err error
	if e.runner != nil {
		output, err = e.runner.RunNode(ctx, node.ID, node.Config, values)
	} else {
		output = core.Value{"node_id": node.ID, "simulated": true}
	}
	if err != nil {
		return &NodeResult{NodeID: node.ID, Success: false, Error: err.Error()},
			fmt.Errorf("agent node %s: %w", node.ID, err)
	}

	e.mu.Lock()
	exec.Values[node.ID] = map[string]interface{}(output)
	e.mu.Unlock()
	return &NodeResult{NodeID: node.ID, Success: true, Output: output}, nil
}

// runParallelNode fans out to the children listed in the node config
// and waits for all of them. Branch count is capped; any branch failure
// fails the parent.
func (e *Engine) runParallelNode(ctx context.Context, exec *Execution, node Node) (*NodeResult, error) {
	children := childIDs(node.Config)
	if len(children) > e.config.MaxParallelBranches {
		return nil, fmt.Errorf("parallel branch limit (%d) exceeded at %s: %w",
			e.config.MaxParallelBranches, node.ID, core.ErrGraphInvalid)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			return e.executeNode(gctx, exec, child)
		})
	}
	if err := g.Wait(); err != nil {
		return &NodeResult{NodeID: node.ID, Success: false, Error: err.Error()},
			fmt.Errorf("parallel node %s: %w", node.ID, err)
	}
	return &NodeResult{NodeID: node.ID, Success: true,
		Output: core.Value{"branches": len(children)}}, nil
}

// nextNode selects the successor. Conditional nodes evaluate edge
// conditions in declaration order, first match wins, empty condition is
// the default; everything else takes the first outgoing edge.
func (e *Engine) nextNode(exec *Execution, node Node, result *NodeResult) string {
	edges := exec.Graph.OutgoingEdges(node.ID)
	if len(edges) == 0 || node.Type == NodeEnd {
		return ""
	}

	if node.Type != NodeConditional {
		return edges[0].Target
	}

	e.mu.RLock()
	values := cloneValues(exec.Values)
	e.mu.RUnlock()

	defaultTarget := ""
	for _, edge := range edges {
		if edge.Condition == "" {
			if defaultTarget == "" {
				defaultTarget = edge.Target
			}
			continue
		}
		if EvalCondition(edge.Condition, result, values) {
			return edge.Target
		}
	}
	return defaultTarget
}

// checkpoint persists the execution for crash recovery: the durable
// store gets an immutable checkpoint, the hot tier gets the latest
// snapshot. Both are best-effort.
func (e *Engine) checkpoint(ctx context.Context, exec *Execution) {
	e.mu.RLock()
	graphJSON, err := exec.Graph.Serialize()
	if err != nil {
		e.mu.RUnlock()
		e.logger.Warn("Workflow graph serialization failed, checkpoint skipped", map[string]interface{}{
			"execution_id": exec.ExecutionID,
			"error":        err.Error(),
		})
		return
	}
	visited := make([]string, 0, len(exec.VisitedNodes))
	for id := range exec.VisitedNodes {
		visited = append(visited, id)
	}
	data := core.Value{
		"execution_id":   exec.ExecutionID,
		"execution_path": append([]string(nil), exec.ExecutionPath...),
		"visited_nodes":  visited,
		"depth":          exec.Depth,
		"state":          cloneValues(exec.Values),
		"graph":          string(graphJSON),
	}
	e.mu.RUnlock()

	if e.store != nil {
		if _, err := e.store.CreateCheckpoint(ctx, exec.ExecutionID, exec.ExecutionID,
			string(ExecutionRunning), data, nil); err != nil {
			e.logger.Warn("Workflow checkpoint failed", map[string]interface{}{
				"execution_id": exec.ExecutionID,
				"error":        err.Error(),
			})
		}
	}
	if e.hot != nil {
		_ = e.hot.SaveHotState(ctx, "workflow:"+exec.ExecutionID, data, 0)
	}
}

// GetExecution returns a live execution record.
func (e *Engine) GetExecution(executionID string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[executionID]
	return exec, ok
}

func cloneValues(v core.Value) core.Value {
	if v == nil {
		return nil
	}
	out := make(core.Value, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func childIDs(config core.Value) []string {
	raw, ok := config["children"]
	if !ok {
		return nil
	}
	switch list := raw.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
