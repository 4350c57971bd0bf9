// Package run defines the persisted run record and its finalization steps:
// cost computation, previews, private-field stripping and hashes.
package run

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/hashing"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Completion is one provider round-trip within a run.
type Completion struct {
	Provider        model.Provider  `json:"provider" bson:"provider"`
	Model           string          `json:"model" bson:"model"`
	Messages        []byte          `json:"messages,omitempty" bson:"messages,omitempty"`
	Response        string          `json:"response,omitempty" bson:"response,omitempty"`
	Usage           providers.Usage `json:"usage" bson:"usage"`
	FinishReason    string          `json:"finish_reason,omitempty" bson:"finish_reason,omitempty"`
	DurationSeconds float64         `json:"duration_seconds" bson:"duration_seconds"`
	CostUSD         float64         `json:"cost_usd" bson:"cost_usd"`
	Error           string          `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at" bson:"started_at"`
}

// ErrorInfo is the persisted error of a failed run.
type ErrorInfo struct {
	Code    apierror.Kind  `json:"code" bson:"code"`
	Message string         `json:"message" bson:"message"`
	Details map[string]any `json:"details,omitempty" bson:"details,omitempty"`
}

// Run is the persisted record of one execution.
type Run struct {
	ID              string                     `json:"id" bson:"_id"`
	TenantUID       int64                      `json:"tenant_uid" bson:"tenant_uid"`
	AgentID         string                     `json:"agent_id" bson:"agent_id"`
	AgentUID        int64                      `json:"agent_uid" bson:"agent_uid"`
	SchemaID        int                        `json:"schema_id" bson:"schema_id"`
	VersionID       string                     `json:"version_id" bson:"version_id"`
	Environment     string                     `json:"environment,omitempty" bson:"environment,omitempty"`
	Status          Status                     `json:"status" bson:"status"`
	TaskInput       any                        `json:"task_input,omitempty" bson:"task_input,omitempty"`
	TaskOutput      any                        `json:"task_output,omitempty" bson:"task_output,omitempty"`
	TaskInputHash   string                     `json:"task_input_hash,omitempty" bson:"task_input_hash,omitempty"`
	TaskOutputHash  string                     `json:"task_output_hash,omitempty" bson:"task_output_hash,omitempty"`
	InputPreview    string                     `json:"input_preview,omitempty" bson:"input_preview,omitempty"`
	OutputPreview   string                     `json:"output_preview,omitempty" bson:"output_preview,omitempty"`
	CostUSD         float64                    `json:"cost_usd" bson:"cost_usd"`
	DurationSeconds float64                    `json:"duration_seconds" bson:"duration_seconds"`
	Completions     []Completion               `json:"llm_completions,omitempty" bson:"llm_completions,omitempty"`
	ToolCalls       []protocol.ToolCall        `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
	ToolRequests    []protocol.ToolCallRequest `json:"tool_call_requests,omitempty" bson:"tool_call_requests,omitempty"`
	ReasoningSteps  []string                   `json:"reasoning_steps,omitempty" bson:"reasoning_steps,omitempty"`
	Error           *ErrorInfo                 `json:"error,omitempty" bson:"error,omitempty"`
	Metadata        map[string]any             `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ConversationID  string                     `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	Cached          bool                       `json:"cached,omitempty" bson:"cached,omitempty"`
	CreatedAt       time.Time                  `json:"created_at" bson:"created_at"`
	FinishedAt      time.Time                  `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// NewID returns a time-ordered run id so listings can page by id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetError records a failure from any error value.
func (r *Run) SetError(err error) {
	r.Status = StatusFailure
	apiErr := apierror.FromAny(err)
	r.Error = &ErrorInfo{
		Code:    apiErr.Kind,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}
}

// ComputeCost prices every completion at its start time and sums into the
// run. A missing pricing entry fails the whole computation.
func (r *Run) ComputeCost(catalog *model.Catalog) error {
	total := 0.0
	for i := range r.Completions {
		c := &r.Completions[i]
		pricing, err := catalog.PricingAt(c.Model, c.StartedAt)
		if err != nil {
			return err
		}
		c.CostUSD = CompletionCost(pricing, c.Usage)
		total += c.CostUSD
	}
	r.CostUSD = total
	return nil
}

// CompletionCost prices one usage record. Pricing is USD per million tokens;
// cached prompt tokens are billed at the cached rate instead of the prompt
// rate.
func CompletionCost(pricing *model.Pricing, usage providers.Usage) float64 {
	const mtok = 1_000_000.0
	prompt := float64(usage.PromptTokenCount-usage.CachedTokenCount) * pricing.PromptUSDPerMTok
	cached := float64(usage.CachedTokenCount) * pricing.CachedPromptUSDPerMTok
	completion := float64(usage.CompletionTokenCount) * pricing.CompletionUSDPerMTok
	reasoning := float64(usage.ReasoningTokenCount) * pricing.ReasoningUSDPerMTok
	audio := float64(usage.AudioTokenCount) * pricing.AudioPromptUSDPerMTok
	return (prompt + cached + completion + reasoning + audio) / mtok
}

// ComputeHashes fills the input/output hashes from the canonical payloads.
func (r *Run) ComputeHashes() {
	if r.TaskInput != nil && r.TaskInputHash == "" {
		r.TaskInputHash = hashing.MustShortHash(r.TaskInput)
	}
	if r.TaskOutput != nil {
		r.TaskOutputHash = hashing.MustShortHash(r.TaskOutput)
	}
}

// ComputePreviews renders the short human-readable input/output strings.
// Plain-text outputs are labelled as the assistant turn they are.
func (r *Run) ComputePreviews() {
	r.InputPreview = Preview(r.TaskInput)
	if text, ok := r.TaskOutput.(string); ok {
		r.OutputPreview = truncate("Assistant: "+text, previewLimit)
	} else {
		r.OutputPreview = Preview(r.TaskOutput)
	}
}

const previewLimit = 200

// Preview renders a type-aware short string: text truncated to ~200 chars,
// images as [img:url], objects as a labelled key/value list.
func Preview(value any) string {
	return truncate(previewValue(value), previewLimit)
}

func previewValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case protocol.Message:
		return previewMessage(v)
	case []protocol.Message:
		parts := make([]string, len(v))
		for i, m := range v {
			parts[i] = previewMessage(m)
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		if file, ok := previewFile(v); ok {
			return file
		}
		if msgs, ok := v["messages"]; ok && len(v) == 1 {
			return previewValue(msgs)
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", key, previewValue(v[key])))
		}
		return strings.Join(parts, ", ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, previewValue(item))
		}
		return strings.Join(parts, ", ")
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func previewMessage(m protocol.Message) string {
	role := string(m.Role)
	if role != "" {
		role = strings.ToUpper(role[:1]) + role[1:]
	}
	return role + ": " + m.Text()
}

func previewFile(m map[string]any) (string, bool) {
	contentType, _ := m["content_type"].(string)
	url, _ := m["url"].(string)
	if url == "" {
		url, _ = m["storage_url"].(string)
	}
	_, hasData := m["data"].(string)
	if contentType == "" || (url == "" && !hasData) {
		return "", false
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return fmt.Sprintf("[img:%s]", url), true
	case strings.HasPrefix(contentType, "audio/"):
		return fmt.Sprintf("[audio:%s]", url), true
	default:
		return fmt.Sprintf("[file:%s]", url), true
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	// do not split a UTF-8 sequence
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}

// StripPrivateFields removes the named dotted subpaths from the stored
// record. "task_input" and "task_output" strip whole payloads;
// "task_input.some.path" strips a subtree.
func (r *Run) StripPrivateFields(paths []string) {
	for _, path := range paths {
		parts := strings.Split(path, ".")
		switch parts[0] {
		case "task_input":
			if len(parts) == 1 {
				r.TaskInput = nil
				continue
			}
			r.TaskInput = stripPath(r.TaskInput, parts[1:])
		case "task_output":
			if len(parts) == 1 {
				r.TaskOutput = nil
				continue
			}
			r.TaskOutput = stripPath(r.TaskOutput, parts[1:])
		}
	}
}

func stripPath(value any, path []string) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	if len(path) == 1 {
		delete(m, path[0])
		return m
	}
	if child, ok := m[path[0]]; ok {
		m[path[0]] = stripPath(child, path[1:])
	}
	return m
}
