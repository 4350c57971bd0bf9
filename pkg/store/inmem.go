package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelgateway/relay/pkg/agent"
	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/version"
)

type agentKey struct {
	tenantUID int64
	agentID   string
}

type versionKey struct {
	tenantUID int64
	agentUID  int64
	versionID string
}

type deploymentKey struct {
	tenantUID int64
	agentUID  int64
	schemaID  int
	env       version.Environment
}

type runKey struct {
	tenantUID int64
	runID     string
}

// Memory is the in-memory store. Safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	agents      map[agentKey]*agent.Agent
	versions    map[versionKey]*version.Version
	deployments map[deploymentKey]*version.Deployment
	runs        map[runKey]*run.Run
	nextUID     int64
	listeners   []RunListener
}

func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[agentKey]*agent.Agent),
		versions:    make(map[versionKey]*version.Version),
		deployments: make(map[deploymentKey]*version.Deployment),
		runs:        make(map[runKey]*run.Run),
	}
}

func (m *Memory) GetAgent(ctx context.Context, tenantUID int64, agentID string) (*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.agents[agentKey{tenantUID, agentID}]; ok {
		copied := *a
		copied.Schemas = append([]agent.Schema(nil), a.Schemas...)
		return &copied, nil
	}
	return nil, nil
}

func (m *Memory) GetAgentByUID(ctx context.Context, tenantUID, agentUID int64) (*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, a := range m.agents {
		if key.tenantUID == tenantUID && a.UID == agentUID {
			copied := *a
			copied.Schemas = append([]agent.Schema(nil), a.Schemas...)
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) PutAgent(ctx context.Context, tenantUID int64, a *agent.Agent, expectedUpdatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := agentKey{tenantUID, a.ID}
	existing, ok := m.agents[key]
	if ok && !existing.UpdatedAt.Equal(expectedUpdatedAt) {
		return apierror.Newf(apierror.KindConcurrentModification,
			"agent %q was modified concurrently", a.ID)
	}
	if !ok && !expectedUpdatedAt.IsZero() {
		return apierror.Newf(apierror.KindConcurrentModification,
			"agent %q no longer exists", a.ID)
	}
	copied := *a
	copied.Schemas = append([]agent.Schema(nil), a.Schemas...)
	m.agents[key] = &copied
	return nil
}

func (m *Memory) NextAgentUID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUID++
	return m.nextUID, nil
}

func (m *Memory) GetVersion(ctx context.Context, tenantUID, agentUID int64, versionID string) (*version.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.versions[versionKey{tenantUID, agentUID, versionID}]; ok {
		copied := *v
		return &copied, nil
	}
	return nil, nil
}

func (m *Memory) GetVersionBySemver(ctx context.Context, tenantUID, agentUID int64, schemaID, major, minor int) (*version.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions {
		if v.TenantUID == tenantUID && v.AgentUID == agentUID && v.SchemaID == schemaID &&
			v.Saved && v.Major == major && v.Minor == minor {
			copied := *v
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetVersionByIteration(ctx context.Context, tenantUID, agentUID int64, schemaID, iteration int) (*version.Version, error) {
	// legacy iterations are creation-ordered saved versions, 1-based
	versions, err := m.ListVersions(ctx, tenantUID, agentUID, schemaID)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, v := range versions {
		if !v.Saved {
			continue
		}
		count++
		if count == iteration {
			return v, nil
		}
	}
	return nil, nil
}

func (m *Memory) PutVersion(ctx context.Context, v *version.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := versionKey{v.TenantUID, v.AgentUID, v.ID}
	if existing, ok := m.versions[key]; ok {
		// saved versions are immutable; an unsaved one may be promoted once
		if !existing.Saved && v.Saved {
			copied := *v
			m.versions[key] = &copied
		}
		return nil
	}
	copied := *v
	m.versions[key] = &copied
	return nil
}

func (m *Memory) ListVersions(ctx context.Context, tenantUID, agentUID int64, schemaID int) ([]*version.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*version.Version
	for _, v := range m.versions {
		if v.TenantUID == tenantUID && v.AgentUID == agentUID && v.SchemaID == schemaID {
			copied := *v
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) LatestSavedVersion(ctx context.Context, tenantUID, agentUID int64, schemaID int) (*version.Version, error) {
	versions, err := m.ListVersions(ctx, tenantUID, agentUID, schemaID)
	if err != nil {
		return nil, err
	}
	var latest *version.Version
	for _, v := range versions {
		if !v.Saved {
			continue
		}
		if latest == nil || v.Major > latest.Major ||
			(v.Major == latest.Major && v.Minor > latest.Minor) {
			latest = v
		}
	}
	return latest, nil
}

func (m *Memory) GetDeployment(ctx context.Context, tenantUID, agentUID int64, schemaID int, env version.Environment) (*version.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.deployments[deploymentKey{tenantUID, agentUID, schemaID, env}]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, nil
}

func (m *Memory) PutDeployment(ctx context.Context, d *version.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *d
	m.deployments[deploymentKey{d.TenantUID, d.AgentUID, d.SchemaID, d.Environment}] = &copied
	return nil
}

func (m *Memory) PutRun(ctx context.Context, r *run.Run) error {
	if r.Status != run.StatusSuccess && r.Status != run.StatusFailure {
		return apierror.New(apierror.KindInternal, "run persisted before terminal state")
	}
	m.mu.Lock()
	copied := *r
	m.runs[runKey{r.TenantUID, r.ID}] = &copied
	listeners := append([]RunListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(RunCreatedEvent{TenantUID: r.TenantUID, Run: &copied})
	}
	return nil
}

func (m *Memory) GetRun(ctx context.Context, tenantUID int64, runID string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.runs[runKey{tenantUID, runID}]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, nil
}

func (m *Memory) SearchRuns(ctx context.Context, tenantUID int64, filter RunFilter) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*run.Run
	for key, r := range m.runs {
		if key.tenantUID != tenantUID {
			continue
		}
		if filter.AgentUID != 0 && r.AgentUID != filter.AgentUID {
			continue
		}
		if filter.SchemaID != 0 && r.SchemaID != filter.SchemaID {
			continue
		}
		if filter.VersionID != "" && r.VersionID != filter.VersionID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.AfterID != "" && strings.Compare(r.ID, filter.AfterID) <= 0 {
			continue
		}
		copied := *r
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) Subscribe(listener RunListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Memory) Close(ctx context.Context) error { return nil }
