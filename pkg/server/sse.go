package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelgateway/relay/pkg/runner"
	"github.com/modelgateway/relay/pkg/tenant"
)

// sseWriter frames JSON events as server-sent data lines.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// Send writes one data event. Headers go out with the first event.
func (s *sseWriter) Send(event any) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Done writes the terminal [DONE] sentinel.
func (s *sseWriter) Done() {
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flush()
}

// Started reports whether any event has been written yet.
func (s *sseWriter) Started() bool { return s.started }

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// streamChatCompletion runs the request while rendering progress as OpenAI
// chat.completion.chunk events. Errors before the first chunk fall back to a
// plain JSON error response; later ones become a terminal data event.
func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, req *chatCompletionRequest, runReq *runner.RunRequest, agentID string) {
	sse := newSSEWriter(w)
	validJSON := req.StreamOptions != nil && req.StreamOptions.ValidJSONChunks

	runReq.OnChunk = func(c runner.Chunk) error {
		switch {
		case c.Final:
			// the closing chunk with run-level fields follows after finalize
			return nil
		case validJSON:
			if !c.HasPartialOutput {
				return nil
			}
			raw, err := json.Marshal(c.PartialOutput)
			if err != nil {
				return nil
			}
			return sse.Send(chatChunk(agentID, delta{Content: string(raw)}, ""))
		case c.Content != "" || c.Reasoning != "":
			return sse.Send(chatChunk(agentID, delta{Content: c.Content, Reasoning: c.Reasoning}, ""))
		case len(c.ToolRequests) > 0:
			return sse.Send(chatChunk(agentID, delta{ToolCalls: renderToolCalls(c.ToolRequests)}, ""))
		default:
			return nil
		}
	}

	rec, err := s.engine.Execute(r.Context(), t, runReq)
	if err != nil {
		if !sse.Started() {
			writeError(w, err)
			return
		}
		_ = sse.Send(errorPayload(err))
		sse.Done()
		return
	}

	final := s.renderCompletion(t, agentID, rec)
	closing := chatChunk(agentID, delta{}, finishReason(rec))
	closing["id"] = final["id"]
	closing["model"] = final["model"]
	closing["usage"] = final["usage"]
	closing["cost_usd"] = final["cost_usd"]
	closing["duration_seconds"] = final["duration_seconds"]
	if token, ok := final["feedback_token"]; ok {
		closing["feedback_token"] = token
	}
	if url, ok := final["url"]; ok {
		closing["url"] = url
	}
	if rec.Cached {
		// cache hits stream a single content chunk before closing
		_ = sse.Send(chatChunk(agentID, delta{Content: outputContent(rec.TaskOutput)}, ""))
	}
	_ = sse.Send(closing)
	sse.Done()
}

type delta struct {
	Content   string           `json:"content,omitempty"`
	Reasoning string           `json:"reasoning_content,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

func chatChunk(agentID string, d delta, finish string) map[string]any {
	choice := map[string]any{"index": 0, "delta": d}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	return map[string]any{
		"object":  "chat.completion.chunk",
		"choices": []map[string]any{choice},
	}
}
