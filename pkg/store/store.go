// Package store persists agents, versions, deployments and runs. Two
// implementations: an in-memory store for tests and single-node use, and a
// MongoDB store for production.
package store

import (
	"context"
	"time"

	"github.com/modelgateway/relay/pkg/agent"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/version"
)

// RunCreatedEvent is emitted after a run reaches a terminal state and is
// visible to readers. Consumers handle analytics and credit accounting.
type RunCreatedEvent struct {
	TenantUID int64
	Run       *run.Run
}

// RunListener receives run-created events. Handlers must not block.
type RunListener func(RunCreatedEvent)

// RunFilter narrows run searches.
type RunFilter struct {
	AgentUID  int64
	SchemaID  int
	VersionID string
	Status    run.Status
	// AfterID pages by run id; UUIDv7 makes id order time order.
	AfterID string
	Limit   int
}

// Store is the persistence contract. All reads are tenant-scoped.
type Store interface {
	// Agents.
	GetAgent(ctx context.Context, tenantUID int64, agentID string) (*agent.Agent, error)
	GetAgentByUID(ctx context.Context, tenantUID, agentUID int64) (*agent.Agent, error)
	// PutAgent upserts keyed by (tenant_uid, agent id). The stored UpdatedAt
	// must match expectedUpdatedAt or the write fails with
	// concurrent_modification; zero expectedUpdatedAt means insert-only.
	PutAgent(ctx context.Context, tenantUID int64, a *agent.Agent, expectedUpdatedAt time.Time) error
	// NextAgentUID allocates a globally unique agent uid.
	NextAgentUID(ctx context.Context) (int64, error)

	// Versions.
	GetVersion(ctx context.Context, tenantUID, agentUID int64, versionID string) (*version.Version, error)
	GetVersionBySemver(ctx context.Context, tenantUID, agentUID int64, schemaID, major, minor int) (*version.Version, error)
	GetVersionByIteration(ctx context.Context, tenantUID, agentUID int64, schemaID, iteration int) (*version.Version, error)
	// PutVersion inserts idempotently: writing an existing id is a no-op
	// unless it marks the version saved for the first time.
	PutVersion(ctx context.Context, v *version.Version) error
	ListVersions(ctx context.Context, tenantUID, agentUID int64, schemaID int) ([]*version.Version, error)
	LatestSavedVersion(ctx context.Context, tenantUID, agentUID int64, schemaID int) (*version.Version, error)

	// Deployments.
	GetDeployment(ctx context.Context, tenantUID, agentUID int64, schemaID int, env version.Environment) (*version.Deployment, error)
	// PutDeployment replaces the mapping atomically.
	PutDeployment(ctx context.Context, d *version.Deployment) error

	// Runs. PutRun publishes the run: it must only be called with a run in a
	// terminal state, and the run becomes visible to GetRun/SearchRuns
	// atomically with the write.
	PutRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, tenantUID int64, runID string) (*run.Run, error)
	SearchRuns(ctx context.Context, tenantUID int64, filter RunFilter) ([]*run.Run, error)

	// Subscribe registers a listener for run-created events.
	Subscribe(listener RunListener)

	Close(ctx context.Context) error
}
