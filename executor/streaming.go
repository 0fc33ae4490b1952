package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/itsneelabh/agentmesh/core"
)

// ExecuteStream runs one turn as a channel of deltas. With an injected
// inference client the gateway stream is forwarded; without one, the
// stub response is chunked word-by-word and followed by an end chunk;
// the gateway path relays whatever terminal chunk the gateway sends.
// The channel is closed when the stream finishes; if ctx is cancelled
// first it is closed without a terminal chunk.
func (e *AgentExecutor) ExecuteStream(ctx context.Context, agentID string, req ExecuteRequest) (<-chan core.StreamChunk, error) {
	const op = "executor.ExecuteStream"

	if !e.config.EnableStreaming {
		return nil, core.NewError(core.CodeContextWindow, core.KindInvalid, op, agentID,
			fmt.Errorf("streaming disabled"))
	}

	e.mu.Lock()
	ec, ok := e.contexts[agentID]
	if !ok {
		e.mu.Unlock()
		return nil, core.NewError(core.CodeAgentNotFound, core.KindNotFound, op, agentID, core.ErrAgentNotFound)
	}
	if ec.currentTokens >= ec.windowTokens {
		tokens, window := ec.currentTokens, ec.windowTokens
		e.mu.Unlock()
		return nil, core.NewError(core.CodeContextWindow, core.KindInvalid, op, agentID,
			fmt.Errorf("%w: %d >= %d", core.ErrContextWindowExceeded, tokens, window))
	}
	ec.messages = append(ec.messages, core.Message{Role: "user", Content: req.Content})
	messages := append([]core.Message(nil), ec.messages...)
	e.mu.Unlock()

	out := make(chan core.StreamChunk, 16)

	if e.inference != nil {
		upstream, err := e.inference.GenerateStream(ctx, core.InferenceRequest{
			Messages:     messages,
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
			Metadata:     req.Metadata,
		})
		if err != nil {
			return nil, core.NewError(core.CodeGatewayConnect, core.KindUnavailable, op, agentID,
				fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err))
		}
		go e.forwardStream(ctx, agentID, upstream, out)
		return out, nil
	}

	go e.stubStream(ctx, agentID, req, out)
	return out, nil
}

// forwardStream relays gateway chunks, accumulating content so the
// conversation state stays consistent when the stream ends.
func (e *AgentExecutor) forwardStream(ctx context.Context, agentID string, upstream <-chan core.StreamChunk, out chan<- core.StreamChunk) {
	defer close(out)

	var content strings.Builder
	var tokens int
	for chunk := range upstream {
		switch chunk.Type {
		case core.ChunkContent:
			content.WriteString(chunk.Delta)
		case core.ChunkEnd:
			tokens = chunk.TokensUsed
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
	e.commitStreamed(agentID, content.String(), tokens)
}

// stubStream chunks the deterministic response for clients exercising
// the streaming path without a gateway.
func (e *AgentExecutor) stubStream(ctx context.Context, agentID string, req ExecuteRequest, out chan<- core.StreamChunk) {
	defer close(out)

	send := func(chunk core.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(core.StreamChunk{Type: core.ChunkStart}) {
		return
	}

	resp := e.stubResponse(req)
	words := strings.Fields(resp.Content)
	var content strings.Builder
	for i, w := range words {
		delta := w
		if i < len(words)-1 {
			delta += " "
		}
		content.WriteString(delta)
		if !send(core.StreamChunk{Type: core.ChunkContent, Delta: delta}) {
			return
		}
	}

	send(core.StreamChunk{
		Type:          core.ChunkEnd,
		TokensUsed:    resp.TokenUsage.TotalTokens,
		ContentLength: content.Len(),
	})
	e.commitStreamed(agentID, content.String(), resp.TokenUsage.TotalTokens)
}

func (e *AgentExecutor) commitStreamed(agentID, content string, tokens int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ec, ok := e.contexts[agentID]; ok {
		ec.messages = append(ec.messages, core.Message{Role: "assistant", Content: content})
		ec.currentTokens += tokens
	}
}
