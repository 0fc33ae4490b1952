package integration

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/agentmesh/core"
)

// ErrorMode is the policy applied when the external tool bridge fails.
type ErrorMode string

const (
	// FailFast surfaces bridge failures immediately.
	FailFast ErrorMode = "fail_fast"
	// Graceful logs the failure, flips stub mode, and substitutes a
	// canonical empty response. The only place in the system where
	// silent degradation is permitted.
	Graceful ErrorMode = "graceful"
)

// stubResponses are the canonical empty payloads returned per tool in
// graceful stub mode.
var stubResponses = map[string]core.Value{
	"get_documents":  {"documents": []interface{}{}, "stub": true},
	"verify_claims":  {"needsRecovery": []interface{}{}, "stub": true},
	"search_context": {"results": []interface{}{}, "stub": true},
}

// DocumentBridge wraps the authoritative-document tool subprocess with
// the configured error-mode contract.
type DocumentBridge struct {
	client core.ToolClient
	mode   ErrorMode
	logger core.Logger

	mu       sync.RWMutex
	stubMode bool
}

// NewDocumentBridge creates the bridge. client may be nil, which
// behaves like a permanently unavailable bridge.
func NewDocumentBridge(client core.ToolClient, mode ErrorMode, logger core.Logger) *DocumentBridge {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("integration/docbridge")
	}
	if mode == "" {
		mode = Graceful
	}
	return &DocumentBridge{client: client, mode: mode, logger: logger}
}

// StubMode reports whether the bridge has degraded to stub responses.
func (b *DocumentBridge) StubMode() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stubMode
}

// CallTool invokes a bridge tool under the error-mode policy.
func (b *DocumentBridge) CallTool(ctx context.Context, name string, args core.Value) (core.Value, error) {
	const op = "docbridge.CallTool"

	if b.StubMode() {
		return b.stub(name), nil
	}

	if b.client == nil || !b.client.Available(ctx) {
		return b.handleFailure(name, core.NewError(core.CodeMCPUnavailable, core.KindUnavailable, op, name,
			fmt.Errorf("%w: tool bridge unavailable", core.ErrUpstreamUnavailable)))
	}

	result, err := b.client.CallTool(ctx, name, args)
	if err != nil {
		return b.handleFailure(name, core.NewError(core.CodeMCPCallFailed, core.KindUnavailable, op, name,
			fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err)))
	}
	if result == nil {
		return b.handleFailure(name, core.NewError(core.CodeMCPBadResponse, core.KindUnavailable, op, name,
			fmt.Errorf("empty tool response")))
	}
	return result, nil
}

func (b *DocumentBridge) handleFailure(name string, err error) (core.Value, error) {
	if b.mode == FailFast {
		return nil, err
	}

	b.mu.Lock()
	flipped := !b.stubMode
	b.stubMode = true
	b.mu.Unlock()

	if flipped {
		b.logger.Warn("Tool bridge degraded to stub mode", map[string]interface{}{
			"tool":  name,
			"error": err.Error(),
		})
	}
	return b.stub(name), nil
}

func (b *DocumentBridge) stub(name string) core.Value {
	if resp, ok := stubResponses[name]; ok {
		out := make(core.Value, len(resp))
		for k, v := range resp {
			out[k] = v
		}
		return out
	}
	return core.Value{"stub": true}
}

// ResetStubMode clears stub mode after the bridge recovers.
func (b *DocumentBridge) ResetStubMode() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stubMode = false
}
