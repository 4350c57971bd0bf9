package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/modelgateway/relay/pkg/hashing"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
)

// splitRequests classifies emitted tool calls: hosted names go to the
// registry, everything else is returned to the caller. A request-declared
// external tool wins over a hosted tool of the same name.
func splitRequests(reqs []protocol.ToolCallRequest, external map[string]bool) (hosted, ext []protocol.ToolCallRequest) {
	for _, req := range reqs {
		if protocol.IsHostedToolName(req.ToolName) && !external[req.ToolName] {
			hosted = append(hosted, req)
			continue
		}
		ext = append(ext, req)
	}
	return hosted, ext
}

// executeHosted runs the hosted tool calls concurrently, each under its own
// timeout. A call whose arguments are byte-identical to an earlier call of
// the same tool is refused without executing; the refusal is fed back to the
// model like any other tool error.
func (r *Runner) executeHosted(ctx context.Context, reqs []protocol.ToolCallRequest, seen map[string]bool) []protocol.ToolCall {
	calls := make([]protocol.ToolCall, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		key := req.ToolName + "\x00" + hashing.MustShortHash(req.Input)
		if seen[key] {
			calls[i] = protocol.ToolCall{
				ID:       req.ID,
				ToolName: req.ToolName,
				Input:    req.Input,
				Error: fmt.Sprintf("refusing to re-execute %s with identical arguments",
					req.ToolName),
			}
			continue
		}
		seen[key] = true

		g.Go(func() error {
			calls[i] = r.tools.Invoke(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return calls
}

// appendToolExchange extends the message list with the assistant turn that
// requested the tools and the tool turn carrying their results.
func appendToolExchange(messages []protocol.Message, result *providers.Result, calls []protocol.ToolCall) []protocol.Message {
	assistant := protocol.Message{Role: protocol.RoleAssistant}
	if result.Content != "" {
		assistant.Content = append(assistant.Content,
			protocol.Content{Kind: protocol.ContentText, Text: result.Content})
	}
	for i := range result.ToolCalls {
		assistant.Content = append(assistant.Content, protocol.Content{
			Kind:        protocol.ContentToolCallRequest,
			ToolRequest: &result.ToolCalls[i],
		})
	}

	toolTurn := protocol.Message{Role: protocol.RoleTool}
	for _, call := range calls {
		toolTurn.Content = append(toolTurn.Content, protocol.Content{
			Kind: protocol.ContentToolCallResult,
			ToolResult: &protocol.ToolCallResult{
				ID:       call.ID,
				ToolName: call.ToolName,
				Result:   call.Result,
				Error:    call.Error,
			},
		})
	}
	return append(append(messages, assistant), toolTurn)
}
