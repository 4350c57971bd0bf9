// Package runner orchestrates run execution: it plans the (provider, model)
// attempt chain, retries transient failures with backoff, drives the hosted
// tool loop, and preserves the completion stack across attempts.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/logger"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/observability"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/schema"
	"github.com/modelgateway/relay/pkg/tools"
	"github.com/modelgateway/relay/pkg/version"
)

// Chunk is one streamed progress update fanned out to the caller.
type Chunk struct {
	// Content and Reasoning are the incremental deltas.
	Content   string
	Reasoning string

	// PartialOutput is the best-effort structured view of the aggregate so
	// far, present when the accumulated text parses or repairs to JSON.
	PartialOutput    any
	HasPartialOutput bool

	// ToolRequests are tool calls that became complete with this update.
	ToolRequests []protocol.ToolCallRequest
	// ToolResults are hosted tool outcomes appended between loop iterations.
	ToolResults []protocol.ToolCall

	// Final marks the terminal chunk, carrying the validated output.
	Final        bool
	Text         string
	Output       any
	FinishReason string
}

// ChunkHandler receives chunks in order. Returning an error aborts the run.
type ChunkHandler func(Chunk) error

// Request is one execution of a resolved version against built messages.
type Request struct {
	Properties *version.Properties
	Messages   []protocol.Message
	Fallback   Fallback

	// ExternalTools are request-declared tools the caller executes itself.
	// A request for one of these terminates the tool loop.
	ExternalTools []providers.ToolDefinition

	// OutputSchema and StructuredOutput control final output validation and
	// schema-guided decoding.
	OutputSchema     map[string]any
	StructuredOutput bool

	Stream  bool
	OnChunk ChunkHandler
}

// Outcome is the runner's result: the winning attempt's output plus the full
// completion stack, one entry per provider round-trip across all attempts.
type Outcome struct {
	Output         any
	Text           string
	Provider       model.Provider
	Model          string
	Completions    []run.Completion
	ToolCalls      []protocol.ToolCall
	ToolRequests   []protocol.ToolCallRequest
	ReasoningSteps []string
	FinishReason   string
}

// Runner executes requests against the provider registry.
type Runner struct {
	registry *providers.Registry
	catalog  *model.Catalog
	tools    *tools.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	maxTransientRetries int
	baseDelay           time.Duration
	maxToolDepth        int
	fetch               *http.Client
}

type Option func(*Runner)

func WithTransientRetries(n int) Option {
	return func(r *Runner) { r.maxTransientRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(r *Runner) { r.baseDelay = d }
}

func WithToolDepth(n int) Option {
	return func(r *Runner) { r.maxToolDepth = n }
}

func WithFetchClient(c *http.Client) Option {
	return func(r *Runner) { r.fetch = c }
}

func New(registry *providers.Registry, catalog *model.Catalog, toolRegistry *tools.Registry, metrics *observability.Metrics, opts ...Option) *Runner {
	r := &Runner{
		registry:            registry,
		catalog:             catalog,
		tools:               toolRegistry,
		metrics:             metrics,
		logger:              logger.Get(),
		maxTransientRetries: 2,
		baseDelay:           time.Second,
		maxToolDepth:        10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the request, walking the fallback chain until an attempt
// succeeds or a non-retriable error stops it. The outcome is returned even
// on failure so the completion stack can be persisted.
func (r *Runner) Run(ctx context.Context, req *Request) (*Outcome, error) {
	attempts, err := r.planAttempts(req.Properties, req.Fallback)
	if err != nil {
		return &Outcome{}, err
	}

	outcome := &Outcome{}
	var lastErr error
	for i, att := range attempts {
		caller, err := r.registry.Get(att.provider)
		if err != nil {
			lastErr = err
			continue
		}
		if i > 0 {
			r.logger.Info("falling back", "attempt", att.String(), "previous_error", lastErr)
		}

		retriedOnce := false
		for {
			err = r.runAttempt(ctx, caller, att, req, outcome)
			if err == nil {
				return outcome, nil
			}
			if ctx.Err() != nil && apierror.KindOf(err) != apierror.KindClientDisconnect {
				err = apierror.Wrap(err, apierror.KindClientDisconnect, "client disconnected")
			}
			if apierror.KindOf(err) == apierror.KindClientDisconnect {
				return outcome, err
			}

			switch apierror.RetryOf(err) {
			case apierror.RetryOnce:
				if !retriedOnce {
					retriedOnce = true
					r.logger.Warn("generation failed, retrying once",
						"attempt", att.String(), "error", err)
					continue
				}
				return outcome, err
			case apierror.RetryAlways:
				lastErr = err
			default:
				return outcome, err
			}
			break
		}
	}
	if lastErr == nil {
		lastErr = apierror.New(apierror.KindInternal, "no attempt executed")
	}
	return outcome, lastErr
}

// runAttempt executes the tool loop against one (provider, model) pair.
func (r *Runner) runAttempt(ctx context.Context, caller providers.Caller, att attempt, req *Request, outcome *Outcome) error {
	messages, err := providers.InlineFiles(ctx, caller, req.Messages, att.model, r.fetch)
	if err != nil {
		return err
	}

	defs := r.tools.Definitions(req.Properties.EnabledTools)
	defs = append(defs, req.ExternalTools...)
	external := make(map[string]bool, len(req.ExternalTools))
	for _, d := range req.ExternalTools {
		external[d.Name] = true
	}
	opts := r.requestOptions(req, att.model, defs)

	// executed argument fingerprints, for recursion refusal within this attempt
	seen := make(map[string]bool)

	for depth := 0; depth < r.maxToolDepth; depth++ {
		result, completion, err := r.roundTrip(ctx, caller, att, messages, opts, req.OnChunk)
		outcome.Completions = append(outcome.Completions, completion)
		if err != nil {
			return err
		}
		outcome.ReasoningSteps = append(outcome.ReasoningSteps, result.ReasoningSteps...)

		hosted, externalReqs := splitRequests(result.ToolCalls, external)
		if len(externalReqs) > 0 {
			outcome.ToolRequests = externalReqs
			return r.finish(req, outcome, result, att)
		}
		if len(hosted) == 0 {
			return r.finish(req, outcome, result, att)
		}

		calls := r.executeHosted(ctx, hosted, seen)
		outcome.ToolCalls = append(outcome.ToolCalls, calls...)
		if req.OnChunk != nil {
			if err := req.OnChunk(Chunk{ToolResults: calls}); err != nil {
				return err
			}
		}
		messages = appendToolExchange(messages, result, calls)
	}
	return apierror.Newf(apierror.KindFailedGeneration,
		"tool loop did not terminate within %d iterations", r.maxToolDepth)
}

// roundTrip performs one provider call with transient retries and returns
// the completion record for the final try.
func (r *Runner) roundTrip(ctx context.Context, caller providers.Caller, att attempt, messages []protocol.Message, opts providers.RequestOptions, onChunk ChunkHandler) (*providers.Result, run.Completion, error) {
	for try := 0; ; try++ {
		start := time.Now()
		result, err := r.call(ctx, caller, messages, opts, onChunk)

		completion := run.Completion{
			Provider:        att.provider,
			Model:           att.model,
			StartedAt:       start,
			DurationSeconds: time.Since(start).Seconds(),
		}
		if raw, merr := json.Marshal(messages); merr == nil {
			completion.Messages = raw
		}

		if err != nil {
			completion.Error = err.Error()
			r.recordRequest(att, "failure")
			if apierror.RetryOf(err) == apierror.RetryAlways && try < r.maxTransientRetries && ctx.Err() == nil {
				delay := r.backoff(try, err)
				r.logger.Debug("transient provider error, retrying",
					"attempt", att.String(), "try", try+1, "delay", delay, "error", err)
				select {
				case <-ctx.Done():
					return nil, completion, apierror.Wrap(ctx.Err(),
						apierror.KindClientDisconnect, "client disconnected")
				case <-time.After(delay):
				}
				continue
			}
			return nil, completion, err
		}

		if result.Usage == (providers.Usage{}) {
			result.Usage = estimateUsage(att.model, messages, result.Content)
		}
		completion.Usage = result.Usage
		completion.Response = result.Content
		completion.FinishReason = result.FinishReason
		r.recordRequest(att, "success")
		r.recordTokens(att, result.Usage)
		return result, completion, nil
	}
}

func (r *Runner) call(ctx context.Context, caller providers.Caller, messages []protocol.Message, opts providers.RequestOptions, onChunk ChunkHandler) (*providers.Result, error) {
	if !opts.Stream || onChunk == nil {
		return caller.Complete(ctx, messages, opts)
	}

	agg := providers.NewAggregator(providers.DefaultAccumulatorLimit)
	if r.metrics != nil {
		agg.OnDrop(r.metrics.StreamBufferDrops.Inc)
	}
	handler := func(d providers.StreamDelta) error {
		completed := agg.Consume(d)
		if d.Content == "" && d.Reasoning == "" && len(completed) == 0 {
			return nil
		}
		chunk := Chunk{Content: d.Content, Reasoning: d.Reasoning, ToolRequests: completed}
		chunk.PartialOutput, chunk.HasPartialOutput = agg.PartialOutput()
		return onChunk(chunk)
	}
	return caller.Stream(ctx, messages, opts, handler)
}

// finish validates the final output and emits the terminal chunk.
func (r *Runner) finish(req *Request, outcome *Outcome, result *providers.Result, att attempt) error {
	outcome.Provider = att.provider
	outcome.Model = att.model
	outcome.Text = result.Content
	outcome.FinishReason = result.FinishReason

	if req.OutputSchema != nil && len(outcome.ToolRequests) == 0 {
		var parsed any
		if err := json.Unmarshal([]byte(strings.TrimSpace(result.Content)), &parsed); err != nil {
			return apierror.Wrap(err, apierror.KindFailedGeneration,
				"model output is not valid JSON")
		}
		if req.StructuredOutput {
			if err := schema.Validate(req.OutputSchema, parsed); err != nil {
				return apierror.Wrap(err, apierror.KindStructuredGeneration,
					"model output does not match the output schema")
			}
		}
		outcome.Output = parsed
	} else {
		outcome.Output = result.Content
	}

	if req.OnChunk != nil {
		return req.OnChunk(Chunk{
			Final:        true,
			Text:         outcome.Text,
			Output:       outcome.Output,
			FinishReason: outcome.FinishReason,
			ToolRequests: outcome.ToolRequests,
		})
	}
	return nil
}

func (r *Runner) requestOptions(req *Request, modelID string, defs []providers.ToolDefinition) providers.RequestOptions {
	props := req.Properties
	return providers.RequestOptions{
		Model:            modelID,
		Temperature:      props.Temperature,
		TopP:             props.TopP,
		PresencePenalty:  props.PresencePenalty,
		FrequencyPenalty: props.FrequencyPenalty,
		MaxTokens:        props.MaxTokens,
		ToolChoice:       props.ToolChoice,
		ReasoningEffort:  props.ReasoningEffort,
		Tools:            defs,
		OutputSchema:     req.OutputSchema,
		StructuredOutput: req.StructuredOutput,
		Stream:           req.Stream,
	}
}

func (r *Runner) backoff(try int, err error) time.Duration {
	if ae, ok := apierror.As(err); ok && ae.RetryAfter > 0 {
		return ae.RetryAfter
	}
	exponential := time.Duration(math.Pow(2, float64(try))) * r.baseDelay
	jitter := time.Duration(rand.Int63n(int64(r.baseDelay)))
	return exponential + jitter
}

func (r *Runner) recordRequest(att attempt, outcome string) {
	if r.metrics != nil {
		r.metrics.ProviderRequests.WithLabelValues(string(att.provider), att.model, outcome).Inc()
	}
}

func (r *Runner) recordTokens(att attempt, usage providers.Usage) {
	if r.metrics == nil {
		return
	}
	r.metrics.ProviderTokens.WithLabelValues(string(att.provider), att.model, "input").
		Add(float64(usage.PromptTokenCount))
	r.metrics.ProviderTokens.WithLabelValues(string(att.provider), att.model, "output").
		Add(float64(usage.CompletionTokenCount))
}
