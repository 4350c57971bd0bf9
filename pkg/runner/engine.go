package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelgateway/relay/pkg/agent"
	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/blob"
	"github.com/modelgateway/relay/pkg/cache"
	"github.com/modelgateway/relay/pkg/input"
	"github.com/modelgateway/relay/pkg/logger"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/observability"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/schema"
	"github.com/modelgateway/relay/pkg/store"
	"github.com/modelgateway/relay/pkg/tenant"
	"github.com/modelgateway/relay/pkg/version"
)

// RunRequest is one end-to-end run through the engine.
type RunRequest struct {
	Agent  *agent.Agent
	Schema *agent.Schema
	Ref    version.Reference
	Input  json.RawMessage

	// History holds messages appended after the built input, used when
	// replying to a prior run. Requests with history bypass the run cache.
	History []protocol.Message

	CacheMode     cache.Mode
	Fallback      Fallback
	ExternalTools []providers.ToolDefinition

	Metadata       map[string]any
	ConversationID string
	PrivateFields  []string

	Stream  bool
	OnChunk ChunkHandler
}

// Engine composes the run pipeline: version resolution, input building,
// cache lookup, execution, and finalization (offload, cost, credits,
// persistence, events).
type Engine struct {
	store    store.Store
	cache    cache.Cache
	cacheTTL time.Duration
	blob     blob.Store
	catalog  *model.Catalog
	resolver *version.Resolver
	runner   *Runner
	credits  *tenant.Credits
	metrics  *observability.Metrics
	logger   *slog.Logger
}

type EngineOption func(*Engine)

func WithCache(c cache.Cache, ttl time.Duration) EngineOption {
	return func(e *Engine) { e.cache, e.cacheTTL = c, ttl }
}

func WithBlobStore(b blob.Store) EngineOption {
	return func(e *Engine) { e.blob = b }
}

func WithCredits(c *tenant.Credits) EngineOption {
	return func(e *Engine) { e.credits = c }
}

func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(st store.Store, catalog *model.Catalog, r *Runner, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		catalog:  catalog,
		resolver: version.NewResolver(st, catalog),
		runner:   r,
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolver exposes the engine's version resolver for the API surface.
func (e *Engine) Resolver() *version.Resolver { return e.resolver }

// Execute runs the request to a terminal state. Pre-execution validation
// failures return an error without a run record; once execution starts, the
// run is persisted in a terminal state even on failure, and the returned
// error carries the run id.
func (e *Engine) Execute(ctx context.Context, t *tenant.Tenant, req *RunRequest) (*run.Run, error) {
	tracer := observability.GetTracer("relay.engine")
	ctx, span := tracer.Start(ctx, observability.SpanRun,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentID, req.Agent.ID),
			attribute.Int(observability.AttrSchemaID, req.Schema.SchemaID),
		))
	defer span.End()

	if e.credits != nil {
		if err := e.credits.Authorize(ctx, t); err != nil {
			return nil, err
		}
	}

	resolved, err := e.resolver.Resolve(ctx, t.UID, req.Agent.UID, req.Schema.SchemaID, req.Ref)
	if err != nil {
		return nil, err
	}
	if !resolved.IsExternal {
		// inline versions are stored lazily so runs can reference them
		v := &version.Version{
			ID:         resolved.VersionID,
			TenantUID:  t.UID,
			AgentUID:   req.Agent.UID,
			SchemaID:   req.Schema.SchemaID,
			Properties: resolved.Properties,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.store.PutVersion(ctx, v); err != nil {
			e.logger.Warn("storing inline version failed", "version_id", v.ID, "error", err)
		}
	}

	built, err := input.Build(req.Schema.InputSchema, resolved.Properties, req.Input)
	if err != nil {
		return nil, err
	}
	if len(req.History) > 0 {
		built.Messages = append(built.Messages, req.History...)
		req.CacheMode = cache.ModeNever
	}
	inputHash := built.Hash()

	key := cache.Key{
		TenantUID: t.UID,
		AgentUID:  req.Agent.UID,
		SchemaID:  req.Schema.SchemaID,
		VersionID: resolved.VersionID,
		InputHash: inputHash,
	}
	if cached := e.lookupCache(ctx, t, req, key); cached != nil {
		span.SetAttributes(attribute.Bool(observability.AttrCacheHit, true))
		return cached, nil
	}

	rec := &run.Run{
		ID:             run.NewID(),
		TenantUID:      t.UID,
		AgentID:        req.Agent.ID,
		AgentUID:       req.Agent.UID,
		SchemaID:       req.Schema.SchemaID,
		VersionID:      resolved.VersionID,
		Environment:    string(resolved.Environment),
		TaskInput:      built.CanonicalInput,
		TaskInputHash:  inputHash,
		Metadata:       req.Metadata,
		ConversationID: req.ConversationID,
		CreatedAt:      time.Now().UTC(),
	}
	span.SetAttributes(attribute.String(observability.AttrRunID, rec.ID))

	outputSchema, structured := e.outputSchema(resolved.Properties, req.Schema)
	outcome, runErr := e.runner.Run(ctx, &Request{
		Properties:       resolved.Properties,
		Messages:         built.Messages,
		Fallback:         req.Fallback,
		ExternalTools:    req.ExternalTools,
		OutputSchema:     outputSchema,
		StructuredOutput: structured,
		Stream:           req.Stream,
		OnChunk:          req.OnChunk,
	})

	rec.Completions = outcome.Completions
	rec.ToolCalls = outcome.ToolCalls
	rec.ToolRequests = outcome.ToolRequests
	rec.ReasoningSteps = outcome.ReasoningSteps
	if runErr != nil {
		rec.SetError(runErr)
	} else {
		rec.Status = run.StatusSuccess
		rec.TaskOutput = outcome.Output
	}

	e.finalize(ctx, t, req, rec, built, key)

	if runErr != nil {
		apiErr := apierror.FromAny(runErr)
		apiErr.RunID = rec.ID
		return rec, apiErr
	}
	return rec, nil
}

// lookupCache returns a prior successful run for the key, or nil.
func (e *Engine) lookupCache(ctx context.Context, t *tenant.Tenant, req *RunRequest, key cache.Key) *run.Run {
	if e.cache == nil || req.CacheMode == cache.ModeNever {
		return nil
	}
	tracer := observability.GetTracer("relay.engine")
	ctx, span := tracer.Start(ctx, observability.SpanCacheLookup)
	defer span.End()

	runID, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("run cache lookup failed", "error", err)
		return nil
	}
	if runID == "" {
		e.recordCache("miss")
		return nil
	}
	cached, err := e.store.GetRun(ctx, t.UID, runID)
	if err != nil || cached == nil || cached.Status != run.StatusSuccess {
		e.recordCache("stale")
		return nil
	}
	e.recordCache("hit")

	out := *cached
	out.Cached = true
	if req.OnChunk != nil {
		text, _ := out.TaskOutput.(string)
		_ = req.OnChunk(Chunk{Final: true, Output: out.TaskOutput, Text: text})
	}
	return &out
}

// outputSchema picks the effective output schema: version-level first, then
// the agent schema, and decides whether schema-guided decoding applies.
func (e *Engine) outputSchema(props *version.Properties, s *agent.Schema) (map[string]any, bool) {
	raw := props.OutputSchema
	if raw == nil {
		raw = s.OutputSchema
	}
	if raw == nil || schema.IsRawMessageOutput(raw) {
		return nil, false
	}
	wantStructured := props.StructuredOutput == nil || *props.StructuredOutput
	if wantStructured && schema.IsCompatibleWithStructuredGeneration(raw) {
		return schema.ForStructuredGeneration(raw), true
	}
	return raw, false
}

// finalize brings the run to rest: file offloading, cost, previews, private
// field stripping, persistence, cache write, credits and metrics. It runs
// detached from the request context so client disconnects still persist.
func (e *Engine) finalize(ctx context.Context, t *tenant.Tenant, req *RunRequest, rec *run.Run, built *input.Built, key cache.Key) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if e.blob != nil && len(built.Files) > 0 {
		tracer := observability.GetTracer("relay.engine")
		offloadCtx, span := tracer.Start(fctx, observability.SpanFileOffload)
		if err := blob.Offload(offloadCtx, e.blob, t.UID, built.Files); err != nil {
			e.logger.Error("file offload failed", "run_id", rec.ID, "error", err)
		}
		span.End()
	}

	if err := rec.ComputeCost(e.catalog); err != nil {
		e.logger.Warn("run is unpriceable", "run_id", rec.ID, "error", err)
	}
	rec.StripPrivateFields(req.PrivateFields)
	rec.ComputeHashes()
	rec.ComputePreviews()
	rec.FinishedAt = time.Now().UTC()
	rec.DurationSeconds = rec.FinishedAt.Sub(rec.CreatedAt).Seconds()

	if err := e.store.PutRun(fctx, rec); err != nil {
		e.logger.Error("persisting run failed", "run_id", rec.ID, "error", err)
	}

	if rec.Status == run.StatusSuccess && e.cache != nil && req.CacheMode != cache.ModeNever {
		if _, err := e.cache.PutIfAbsent(fctx, key, rec.ID, e.cacheTTL); err != nil {
			e.logger.Warn("run cache write failed", "run_id", rec.ID, "error", err)
		}
	}

	if e.credits != nil && rec.CostUSD > 0 {
		e.credits.Charge(fctx, t, rec.CostUSD)
	}

	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(rec.Status)).Inc()
		e.metrics.RunDuration.WithLabelValues(string(rec.Status)).Observe(rec.DurationSeconds)
		for _, c := range rec.Completions {
			if c.CostUSD > 0 {
				e.metrics.CostUSD.WithLabelValues(string(c.Provider), c.Model).Add(c.CostUSD)
			}
		}
	}
}

func (e *Engine) recordCache(result string) {
	if e.metrics != nil {
		e.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
