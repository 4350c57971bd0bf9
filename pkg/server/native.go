package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelgateway/relay/pkg/agent"
	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/cache"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/runner"
	"github.com/modelgateway/relay/pkg/store"
	"github.com/modelgateway/relay/pkg/tenant"
	"github.com/modelgateway/relay/pkg/version"
)

// handleUpsertAgent registers an agent schema pair, creating the agent on
// first use. Identical streamlined pairs map to the same schema id.
func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	var req struct {
		ID           string         `json:"id"`
		InputSchema  map[string]any `json:"input_schema"`
		OutputSchema map[string]any `json:"output_schema"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, apierror.New(apierror.KindBadRequest, "agent id is required"))
		return
	}

	pair, err := agent.Streamline(req.InputSchema, req.OutputSchema)
	if err != nil {
		writeError(w, err)
		return
	}
	a, sc, err := s.ensureAgent(r, t, req.ID, pair)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":  a.ID,
		"agent_uid": a.UID,
		"schema_id": sc.SchemaID,
	})
}

type nativeRunRequest struct {
	TaskInput      json.RawMessage `json:"task_input"`
	Version        any             `json:"version"`
	UseCache       string          `json:"use_cache"`
	UseFallback    any             `json:"use_fallback"`
	Stream         bool            `json:"stream"`
	Metadata       map[string]any  `json:"metadata"`
	ConversationID string          `json:"conversation_id"`
	PrivateFields  []string        `json:"private_fields"`
}

// handleNativeRun executes a run against an explicit agent schema.
func (s *Server) handleNativeRun(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	var req nativeRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	a, sc, err := s.agentSchema(r, t, chi.URLParam(r, "agentID"), chi.URLParam(r, "schemaID"))
	if err != nil {
		writeError(w, err)
		return
	}
	ref, err := parseVersionRef(req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	cacheMode, ok := cache.ParseMode(req.UseCache)
	if !ok {
		writeError(w, apierror.Newf(apierror.KindInvalidRunOptions, "invalid use_cache %q", req.UseCache))
		return
	}
	fallback, err := runner.ParseFallback(req.UseFallback)
	if err != nil {
		writeError(w, err)
		return
	}

	runReq := &runner.RunRequest{
		Agent:          a,
		Schema:         sc,
		Ref:            ref,
		Input:          req.TaskInput,
		CacheMode:      cacheMode,
		Fallback:       fallback,
		Metadata:       req.Metadata,
		ConversationID: req.ConversationID,
		PrivateFields:  req.PrivateFields,
		Stream:         req.Stream,
	}
	s.executeNative(w, r, t, runReq)
}

// handleReply continues a prior run: same version, the original exchange
// replayed, then the caller's next user message.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	var req struct {
		UserMessage string          `json:"user_message"`
		Messages    json.RawMessage `json:"messages"`
		Stream      bool            `json:"stream"`
		Metadata    map[string]any  `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	prior, err := s.store.GetRun(r.Context(), t.UID, chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if prior == nil {
		writeError(w, apierror.Newf(apierror.KindRunNotFound, "unknown run %q", chi.URLParam(r, "runID")))
		return
	}

	a, err := s.store.GetAgentByUID(r.Context(), t.UID, prior.AgentUID)
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil || a.ID != chi.URLParam(r, "agentID") {
		writeError(w, apierror.Newf(apierror.KindRunNotFound,
			"run %q does not belong to agent %q", prior.ID, chi.URLParam(r, "agentID")))
		return
	}
	sc := a.FindSchema(prior.SchemaID)
	if sc == nil {
		writeError(w, apierror.Newf(apierror.KindVersionNotFound,
			"agent %q no longer has schema #%d", a.ID, prior.SchemaID))
		return
	}

	history, err := replyHistory(prior, req.UserMessage, req.Messages)
	if err != nil {
		writeError(w, err)
		return
	}

	conversationID := prior.ConversationID
	if conversationID == "" {
		conversationID = prior.ID
	}
	input, err := json.Marshal(prior.TaskInput)
	if err != nil {
		writeError(w, apierror.Wrap(err, apierror.KindInternal, "prior run input is unencodable"))
		return
	}

	runReq := &runner.RunRequest{
		Agent:          a,
		Schema:         sc,
		Ref:            version.Reference{Hash: prior.VersionID},
		Input:          input,
		History:        history,
		CacheMode:      cache.ModeNever,
		Fallback:       runner.Fallback{Mode: runner.FallbackAuto},
		Metadata:       req.Metadata,
		ConversationID: conversationID,
		Stream:         req.Stream,
	}
	s.executeNative(w, r, t, runReq)
}

// replyHistory rebuilds the turn the reply continues: the prior assistant
// answer, then the new user message(s).
func replyHistory(prior *run.Run, userMessage string, rawMessages json.RawMessage) ([]protocol.Message, error) {
	var history []protocol.Message
	if text := outputContent(prior.TaskOutput); text != "" {
		history = append(history, protocol.TextMessage(protocol.RoleAssistant, text))
	}
	switch {
	case userMessage != "":
		history = append(history, protocol.TextMessage(protocol.RoleUser, userMessage))
	case len(rawMessages) > 0:
		var messages []protocol.Message
		if err := json.Unmarshal(rawMessages, &messages); err != nil {
			return nil, apierror.Wrap(err, apierror.KindBadRequest, "messages is not a message list")
		}
		history = append(history, messages...)
	default:
		return nil, apierror.New(apierror.KindBadRequest, "reply carries no user message")
	}
	return history, nil
}

// executeNative runs the request and renders the native run document,
// streaming progress when asked to.
func (s *Server) executeNative(w http.ResponseWriter, r *http.Request, t *tenant.Tenant, runReq *runner.RunRequest) {
	if !runReq.Stream {
		rec, err := s.engine.Execute(r.Context(), t, runReq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.renderRun(t, runReq.Agent.ID, rec))
		return
	}

	sse := newSSEWriter(w)
	runReq.OnChunk = func(c runner.Chunk) error {
		switch {
		case c.Final:
			return nil
		case c.Content != "" || c.Reasoning != "" || c.HasPartialOutput:
			event := map[string]any{}
			if c.Content != "" {
				event["content"] = c.Content
			}
			if c.Reasoning != "" {
				event["reasoning"] = c.Reasoning
			}
			if c.HasPartialOutput {
				event["partial_output"] = c.PartialOutput
			}
			return sse.Send(event)
		case len(c.ToolResults) > 0:
			return sse.Send(map[string]any{"tool_calls": c.ToolResults})
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
	_ = sse.Send(map[string]any{"run": s.renderRun(t, runReq.Agent.ID, rec)})
	sse.Done()
}

// renderRun is the native run document.
func (s *Server) renderRun(t *tenant.Tenant, agentID string, rec *run.Run) map[string]any {
	doc := map[string]any{
		"id":               rec.ID,
		"agent_id":         agentID,
		"schema_id":        rec.SchemaID,
		"version_id":       rec.VersionID,
		"status":           rec.Status,
		"task_input":       rec.TaskInput,
		"task_output":      rec.TaskOutput,
		"input_preview":    rec.InputPreview,
		"output_preview":   rec.OutputPreview,
		"cost_usd":         rec.CostUSD,
		"duration_seconds": rec.DurationSeconds,
		"created_at":       rec.CreatedAt,
	}
	if rec.Environment != "" {
		doc["environment"] = rec.Environment
	}
	if rec.ConversationID != "" {
		doc["conversation_id"] = rec.ConversationID
	}
	if rec.Cached {
		doc["cached"] = true
	}
	if len(rec.ToolCalls) > 0 {
		doc["tool_calls"] = rec.ToolCalls
	}
	if len(rec.ToolRequests) > 0 {
		doc["tool_call_requests"] = rec.ToolRequests
	}
	if rec.Error != nil {
		doc["error"] = rec.Error
	}
	if s.feedback != nil && rec.Status == run.StatusSuccess {
		if token, err := s.feedback.Sign(rec.ID, t.UID); err == nil {
			doc["feedback_token"] = token
		}
	}
	return doc
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	rec, err := s.store.GetRun(r.Context(), t.UID, chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, apierror.Newf(apierror.KindRunNotFound, "unknown run %q", chi.URLParam(r, "runID")))
		return
	}
	writeJSON(w, http.StatusOK, s.renderRun(t, chi.URLParam(r, "agentID"), rec))
}

func (s *Server) handleSearchRuns(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	var req struct {
		SchemaID  int        `json:"schema_id"`
		VersionID string     `json:"version_id"`
		Status    run.Status `json:"status"`
		AfterID   string     `json:"after_id"`
		Limit     int        `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	a, err := s.store.GetAgent(r.Context(), t.UID, chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		writeError(w, apierror.Newf(apierror.KindAgentNotFound, "unknown agent %q", chi.URLParam(r, "agentID")))
		return
	}

	runs, err := s.store.SearchRuns(r.Context(), t.UID, store.RunFilter{
		AgentUID:  a.UID,
		SchemaID:  req.SchemaID,
		VersionID: req.VersionID,
		Status:    req.Status,
		AfterID:   req.AfterID,
		Limit:     req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(runs))
	for _, rec := range runs {
		items = append(items, s.renderRun(t, a.ID, rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// handleListVersions lists an agent schema's versions grouped by major.
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	a, err := s.store.GetAgent(r.Context(), t.UID, chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		writeError(w, apierror.Newf(apierror.KindAgentNotFound, "unknown agent %q", chi.URLParam(r, "agentID")))
		return
	}
	schemaID := 0
	if raw := r.URL.Query().Get("schema_id"); raw != "" {
		if schemaID, err = strconv.Atoi(raw); err != nil {
			writeError(w, apierror.Newf(apierror.KindBadRequest, "invalid schema_id %q", raw))
			return
		}
	} else if latest := a.LatestSchema(); latest != nil {
		schemaID = latest.SchemaID
	}

	versions, err := s.store.ListVersions(r.Context(), t.UID, a.UID, schemaID)
	if err != nil {
		writeError(w, err)
		return
	}

	grouped := map[int][]map[string]any{}
	for _, v := range versions {
		if !v.Saved {
			continue
		}
		grouped[v.Major] = append(grouped[v.Major], map[string]any{
			"id":         v.ID,
			"semver":     strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor),
			"minor":      v.Minor,
			"properties": v.Properties,
			"created_at": v.CreatedAt,
		})
	}
	majors := make([]int, 0, len(grouped))
	for major := range grouped {
		majors = append(majors, major)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(majors)))

	groups := make([]map[string]any, 0, len(majors))
	for _, major := range majors {
		sort.Slice(grouped[major], func(i, j int) bool {
			return grouped[major][i]["minor"].(int) > grouped[major][j]["minor"].(int)
		})
		groups = append(groups, map[string]any{
			"major":    major,
			"versions": grouped[major],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema_id": schemaID, "groups": groups})
}

// handleDeploy points an environment at a version, saving the version first
// when it only existed as an unsaved run reference.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	var req struct {
		Environment string `json:"environment"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	env := version.Environment(req.Environment)
	if !version.KnownEnvironment(env) {
		writeError(w, apierror.Newf(apierror.KindInvalidRunOptions, "unknown environment %q", req.Environment))
		return
	}

	a, err := s.store.GetAgent(r.Context(), t.UID, chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if a == nil {
		writeError(w, apierror.Newf(apierror.KindAgentNotFound, "unknown agent %q", chi.URLParam(r, "agentID")))
		return
	}

	v, err := s.lookupVersion(r, t, a, chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, err)
		return
	}

	if !v.Saved {
		latest, err := s.store.LatestSavedVersion(r.Context(), t.UID, a.UID, v.SchemaID)
		if err != nil {
			writeError(w, err)
			return
		}
		v.Major, v.Minor = version.NextSemver(latest, v.Properties)
		v.Saved = true
		if err := s.store.PutVersion(r.Context(), v); err != nil {
			writeError(w, err)
			return
		}
	}

	deployment := &version.Deployment{
		TenantUID:   t.UID,
		AgentUID:    a.UID,
		SchemaID:    v.SchemaID,
		Environment: env,
		VersionID:   v.ID,
		DeployedAt:  time.Now().UTC(),
	}
	if err := s.store.PutDeployment(r.Context(), deployment); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version_id":  v.ID,
		"semver":      strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor),
		"schema_id":   v.SchemaID,
		"environment": env,
		"deployed_at": deployment.DeployedAt,
	})
}

// lookupVersion resolves a path version id: a 32-hex hash or "major.minor".
func (s *Server) lookupVersion(r *http.Request, t *tenant.Tenant, a *agent.Agent, id string) (*version.Version, error) {
	if version.IsHash(id) {
		v, err := s.store.GetVersion(r.Context(), t.UID, a.UID, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, apierror.Newf(apierror.KindVersionNotFound, "unknown version %q", id)
		}
		return v, nil
	}

	majorRaw, minorRaw, found := strings.Cut(id, ".")
	major, err1 := strconv.Atoi(majorRaw)
	minor, err2 := strconv.Atoi(minorRaw)
	if !found || err1 != nil || err2 != nil {
		return nil, apierror.Newf(apierror.KindBadRequest, "invalid version reference %q", id)
	}
	schemaID := 0
	if latest := a.LatestSchema(); latest != nil {
		schemaID = latest.SchemaID
	}
	v, err := s.store.GetVersionBySemver(r.Context(), t.UID, a.UID, schemaID, major, minor)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apierror.Newf(apierror.KindVersionNotFound, "unknown version %q", id)
	}
	return v, nil
}

// agentSchema resolves the {agentID}/{schemaID} path pair.
func (s *Server) agentSchema(r *http.Request, t *tenant.Tenant, agentID, schemaIDRaw string) (*agent.Agent, *agent.Schema, error) {
	a, err := s.store.GetAgent(r.Context(), t.UID, agentID)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, apierror.Newf(apierror.KindAgentNotFound, "unknown agent %q", agentID)
	}
	schemaID, err := strconv.Atoi(schemaIDRaw)
	if err != nil {
		return nil, nil, apierror.Newf(apierror.KindBadRequest, "invalid schema id %q", schemaIDRaw)
	}
	sc := a.FindSchema(schemaID)
	if sc == nil {
		return nil, nil, apierror.Newf(apierror.KindVersionNotFound, "agent %q has no schema #%d", agentID, schemaID)
	}
	return a, sc, nil
}

// parseVersionRef accepts the wire forms of a version reference: inline
// properties, an environment name, "major.minor", a 32-hex hash, or a legacy
// integer iteration. Absent defaults to the production deployment.
func parseVersionRef(raw any) (version.Reference, error) {
	switch v := raw.(type) {
	case nil:
		return version.Reference{Environment: version.EnvProduction}, nil
	case map[string]any:
		props, err := version.FromMap(v)
		if err != nil {
			return version.Reference{}, err
		}
		return version.Reference{Properties: props}, nil
	case float64:
		iteration := int(v)
		return version.Reference{Iteration: &iteration}, nil
	case string:
		env := version.Environment(v)
		if version.KnownEnvironment(env) {
			return version.Reference{Environment: env}, nil
		}
		if version.IsHash(v) {
			return version.Reference{Hash: v}, nil
		}
		majorRaw, minorRaw, found := strings.Cut(v, ".")
		if found {
			major, err1 := strconv.Atoi(majorRaw)
			minor, err2 := strconv.Atoi(minorRaw)
			if err1 == nil && err2 == nil {
				return version.Reference{Major: &major, Minor: &minor}, nil
			}
		}
		return version.Reference{}, apierror.Newf(apierror.KindInvalidRunOptions,
			"invalid version reference %q", v)
	default:
		return version.Reference{}, apierror.Newf(apierror.KindInvalidRunOptions,
			"invalid version reference of type %T", raw)
	}
}
