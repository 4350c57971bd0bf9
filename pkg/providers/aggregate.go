package providers

import (
	"strings"

	"github.com/modelgateway/relay/pkg/logger"
	"github.com/modelgateway/relay/pkg/protocol"
)

// DefaultAccumulatorLimit bounds the raw completion accumulator and each
// tool-call input buffer. Past the limit the oldest prefix is dropped.
const DefaultAccumulatorLimit = 4 * 1024 * 1024

// ToolCallRequestBuffer accumulates streamed tool-call fragments for one
// provider stream index until the input parses as JSON.
type ToolCallRequestBuffer struct {
	ID         string
	ToolName   string
	InputAccum strings.Builder
	Emitted    bool
}

// Aggregator folds adapter stream deltas into the canonical result: a bounded
// raw text accumulator, a best-effort partial JSON view, per-index tool-call
// buffers and reasoning steps.
type Aggregator struct {
	limit   int
	dropped bool

	content   strings.Builder
	reasoning []string
	buffers   map[int]*ToolCallRequestBuffer
	order     []int

	usage  Usage
	gotUse bool
	finish string

	// onDrop is invoked once when the accumulator passes the high-water
	// mark; used for metrics.
	onDrop func()
}

func NewAggregator(limit int) *Aggregator {
	if limit <= 0 {
		limit = DefaultAccumulatorLimit
	}
	return &Aggregator{limit: limit, buffers: make(map[int]*ToolCallRequestBuffer)}
}

// OnDrop registers a callback fired the first time the raw accumulator
// exceeds its bound.
func (a *Aggregator) OnDrop(fn func()) { a.onDrop = fn }

// Consume folds one delta into the aggregate and returns the tool-call
// requests that became complete (parseable input) with this delta.
func (a *Aggregator) Consume(delta StreamDelta) []protocol.ToolCallRequest {
	if delta.Content != "" {
		a.content.WriteString(delta.Content)
		a.enforceBound()
	}
	if delta.Reasoning != "" {
		if len(a.reasoning) == 0 {
			a.reasoning = append(a.reasoning, "")
		}
		a.reasoning[len(a.reasoning)-1] += delta.Reasoning
	}
	if delta.Usage != nil {
		a.usage = *delta.Usage
		a.gotUse = true
	}
	if delta.FinishReason != "" {
		a.finish = delta.FinishReason
	}

	var completed []protocol.ToolCallRequest
	for _, td := range delta.ToolDeltas {
		buf, ok := a.buffers[td.Index]
		if !ok {
			buf = &ToolCallRequestBuffer{}
			a.buffers[td.Index] = buf
			a.order = append(a.order, td.Index)
		}
		if td.ID != "" {
			buf.ID = td.ID
		}
		if td.ToolName != "" {
			buf.ToolName = td.ToolName
		}
		if td.InputFragment != "" && buf.InputAccum.Len()+len(td.InputFragment) <= a.limit {
			buf.InputAccum.WriteString(td.InputFragment)
		}
		if !buf.Emitted && buf.ToolName != "" {
			if input, ok := parseToolInput(buf.InputAccum.String()); ok {
				buf.Emitted = true
				completed = append(completed, protocol.ToolCallRequest{
					ID:       buf.ID,
					ToolName: protocol.CanonicalToolName(buf.ToolName),
					Input:    input,
				})
			}
		}
	}
	return completed
}

func (a *Aggregator) enforceBound() {
	if a.content.Len() <= a.limit {
		return
	}
	text := a.content.String()
	keep := text[len(text)-a.limit/2:]
	a.content.Reset()
	a.content.WriteString(keep)
	if !a.dropped {
		a.dropped = true
		logger.Get().Warn("completion accumulator exceeded bound, dropping prefix",
			"limit", a.limit)
		if a.onDrop != nil {
			a.onDrop()
		}
	}
}

// Content returns the accumulated raw completion text so far.
func (a *Aggregator) Content() string { return a.content.String() }

// PartialOutput returns the best-effort structured view of the accumulated
// text: completed JSON if it parses, otherwise a repaired partial parse.
func (a *Aggregator) PartialOutput() (any, bool) {
	return ParsePartialJSON(a.content.String())
}

// ReasoningSteps returns the reasoning steps accumulated so far.
func (a *Aggregator) ReasoningSteps() []string { return a.reasoning }

// Result assembles the terminal result. Tool-call buffers whose input never
// parsed are finalized with whatever parsed last (empty input if none).
func (a *Aggregator) Result() *Result {
	res := &Result{
		Content:        a.content.String(),
		ReasoningSteps: a.reasoning,
		FinishReason:   a.finish,
	}
	if a.gotUse {
		res.Usage = a.usage
	}
	for _, idx := range a.order {
		buf := a.buffers[idx]
		if buf.ToolName == "" {
			continue
		}
		input, ok := parseToolInput(buf.InputAccum.String())
		if !ok {
			input = map[string]any{}
		}
		res.ToolCalls = append(res.ToolCalls, protocol.ToolCallRequest{
			ID:       buf.ID,
			ToolName: protocol.CanonicalToolName(buf.ToolName),
			Input:    input,
		})
	}
	return res
}

// Dropped reports whether the accumulator overflowed at any point.
func (a *Aggregator) Dropped() bool { return a.dropped }
