// Package api exposes the agent runtime over HTTP. Handlers are thin
// adapters: decode the request, call the runtime facade, encode the
// response or the error envelope.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/itsneelabh/agentmesh/core"
	"github.com/itsneelabh/agentmesh/executor"
	"github.com/itsneelabh/agentmesh/integration"
	"github.com/itsneelabh/agentmesh/runtime"
)

// Server is the HTTP adapter over the runtime facade.
type Server struct {
	runtime *runtime.AgentRuntime
	logger  core.Logger
}

// NewServer creates the HTTP adapter.
func NewServer(rt *runtime.AgentRuntime, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("api")
	}
	return &Server{runtime: rt, logger: logger}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceMiddleware)

	r.Route("/agents", func(r chi.Router) {
		r.Post("/spawn", s.handleSpawn)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Post("/terminate", s.handleTerminate)
			r.Post("/suspend", s.handleSuspend)
			r.Post("/resume", s.handleResume)
			r.Get("/state", s.handleState)
			r.Post("/execute", s.handleExecute)
			r.Post("/execute/stream", s.handleExecuteStream)
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// traceMiddleware adopts inbound trace headers or mints a fresh
// request context.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := integration.FromHeaders(r.Header)
		if rc == nil {
			rc = integration.NewRequestContext()
		}
		next.ServeHTTP(w, r.WithContext(integration.WithRequestContext(r.Context(), rc)))
	})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var config core.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, core.NewError(core.CodeQuotaInvalid, core.KindInvalid, "api.Spawn", "",
			fmt.Errorf("invalid request body: %w", err)))
		return
	}
	result, err := s.runtime.SpawnAgent(r.Context(), config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var body struct {
		Reason string `json:"reason"`
		Force  bool   `json:"force"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.runtime.TerminateAgent(r.Context(), agentID, body.Reason, body.Force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": "terminated"})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var body struct {
		Checkpoint bool `json:"checkpoint"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	checkpointID, err := s.runtime.Lifecycle.Suspend(r.Context(), agentID, body.Checkpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":      agentID,
		"checkpoint_id": checkpointID,
		"state":         string(core.StateSuspended),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var body struct {
		CheckpointID string `json:"checkpoint_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	state, err := s.runtime.Lifecycle.Resume(r.Context(), agentID, body.CheckpointID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":                 agentID,
		"state":                    string(state),
		"restored_from_checkpoint": body.CheckpointID != "",
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	inst, err := s.runtime.Lifecycle.GetInstance(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"agent_id":       inst.AgentID,
		"state":          string(inst.State),
		"session_id":     inst.SessionID,
		"sandbox_type":   string(inst.Sandbox.RuntimeClass),
		"resource_usage": inst.Usage,
		"created_at":     inst.CreatedAt,
		"updated_at":     inst.UpdatedAt,
	}
	if inst.TerminatedAt != nil {
		resp["terminated_at"] = inst.TerminatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req executor.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.CodeQuotaInvalid, core.KindInvalid, "api.Execute", agentID,
			fmt.Errorf("invalid request body: %w", err)))
		return
	}
	result, err := s.runtime.ExecuteTurn(r.Context(), agentID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExecuteStream serves the turn as server-sent events and
// terminates with [DONE]. Chunks are relayed as the executor sends
// them, including any error chunk from the gateway stream; the handler
// adds no error chunk of its own, so a stream cut short by cancellation
// ends with [DONE] and no error chunk.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req executor.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.CodeQuotaInvalid, core.KindInvalid, "api.ExecuteStream", agentID,
			fmt.Errorf("invalid request body: %w", err)))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, core.NewError(core.CodeGatewayConnect, core.KindInternal, "api.ExecuteStream", agentID,
			fmt.Errorf("streaming unsupported by connection")))
		return
	}

	stream, err := s.runtime.Executor.ExecuteStream(r.Context(), agentID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range stream {
		data, merr := json.Marshal(chunk)
		if merr != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// errorEnvelope is the stable error body of every route.
type errorEnvelope struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindInvalid:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindUnavailable:
		status = http.StatusServiceUnavailable
	case core.KindConflict:
		status = http.StatusConflict
	}
	code := core.CodeOf(err)
	if code == "" {
		code = "E0000"
	}
	writeJSON(w, status, errorEnvelope{ErrorCode: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
