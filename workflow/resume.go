package workflow

import (
	"context"
	"fmt"

	"github.com/itsneelabh/agentmesh/core"
)

// Resume continues a checkpointed workflow. The checkpoint is loaded by
// id from the durable store, or from the hot tier when no id is given;
// the graph is reconstructed from its embedded serialization, the
// execution context rebuilt, and the walk continues from the first
// unvisited successor of the last executed node.
func (e *Engine) Resume(ctx context.Context, executionID, checkpointID string) (*Execution, error) {
	const op = "workflow.Resume"

	data, err := e.loadCheckpointData(ctx, executionID, checkpointID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, core.NewError(core.CodeSagaNotFound, core.KindNotFound, op, executionID,
			fmt.Errorf("no checkpoint for execution %s: %w", executionID, core.ErrExecutionNotFound))
	}

	graphJSON, _ := data["graph"].(string)
	if graphJSON == "" {
		return nil, core.NewError(core.CodeSagaInvalid, core.KindInvalid, op, executionID,
			fmt.Errorf("checkpoint has no graph: %w", core.ErrGraphInvalid))
	}
	graph, err := DeserializeGraph([]byte(graphJSON))
	if err != nil {
		return nil, core.NewError(core.CodeSagaInvalid, core.KindInvalid, op, executionID, err)
	}

	path := stringSlice(data["execution_path"])
	if len(path) == 0 {
		return nil, core.NewError(core.CodeSagaInvalid, core.KindInvalid, op, executionID,
			fmt.Errorf("checkpoint has no execution path: %w", core.ErrGraphInvalid))
	}

	exec := &Execution{
		ExecutionID:   executionID,
		Graph:         graph,
		State:         ExecutionRunning,
		VisitedNodes:  make(map[string]bool),
		ExecutionPath: path,
		Values:        core.Value{},
		Results:       make(map[string]*NodeResult),
	}
	for _, id := range stringSlice(data["visited_nodes"]) {
		exec.VisitedNodes[id] = true
	}
	if state, ok := data["state"].(map[string]interface{}); ok {
		exec.Values = state
	}
	// The accumulated depth survives the crash; a resumed execution
	// does not get a fresh depth budget.
	switch d := data["depth"].(type) {
	case float64:
		exec.Depth = int(d)
	case int:
		exec.Depth = d
	}

	e.mu.Lock()
	e.executions[executionID] = exec
	e.mu.Unlock()

	resumeNode := e.findResumeNode(exec)
	if resumeNode == "" {
		// The last node was an End node or every successor is already
		// visited: the workflow had finished before the crash.
		exec.State = ExecutionCompleted
		e.logger.Info("Workflow already complete, nothing to resume", map[string]interface{}{
			"execution_id": executionID,
			"nodes":        len(path),
		})
		return exec, nil
	}

	e.logger.InfoWithContext(ctx, "Resuming workflow", map[string]interface{}{
		"execution_id": executionID,
		"resume_node":  resumeNode,
		"prior_nodes":  len(path),
	})

	err = e.executeNode(ctx, exec, resumeNode)
	e.finish(ctx, exec, err)
	if err != nil {
		return exec, err
	}
	return exec, nil
}

func (e *Engine) loadCheckpointData(ctx context.Context, executionID, checkpointID string) (core.Value, error) {
	if checkpointID != "" && e.store != nil {
		snap, err := e.store.Restore(ctx, checkpointID)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return snap.Context, nil
		}
		return nil, nil
	}
	if e.hot != nil {
		return e.hot.LoadHotState(ctx, "workflow:"+executionID)
	}
	if e.store != nil {
		snaps, err := e.store.ListCheckpoints(ctx, executionID, 1)
		if err != nil {
			return nil, err
		}
		if len(snaps) > 0 {
			return snaps[0].Context, nil
		}
	}
	return nil, nil
}

// findResumeNode returns the first outgoing edge of the last executed
// node whose target is not already visited, or "" when the workflow is
// complete.
func (e *Engine) findResumeNode(exec *Execution) string {
	last := exec.ExecutionPath[len(exec.ExecutionPath)-1]
	node, ok := exec.Graph.Nodes[last]
	if !ok || node.Type == NodeEnd {
		return ""
	}
	for _, edge := range exec.Graph.OutgoingEdges(last) {
		if !exec.VisitedNodes[edge.Target] {
			return edge.Target
		}
	}
	return ""
}

func stringSlice(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
