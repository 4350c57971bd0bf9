package version

import (
	"context"
	"regexp"
	"time"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/model"
)

// Environment names a deployment slot.
type Environment string

const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

func KnownEnvironment(env Environment) bool {
	switch env {
	case EnvDev, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Version is a stored, immutable property bundle. Saved versions carry a
// semver; unsaved ones exist only because a run referenced them.
type Version struct {
	ID         string      `json:"id" bson:"_id"`
	TenantUID  int64       `json:"tenant_uid" bson:"tenant_uid"`
	AgentUID   int64       `json:"agent_uid" bson:"agent_uid"`
	SchemaID   int         `json:"schema_id" bson:"schema_id"`
	Properties *Properties `json:"properties" bson:"properties"`
	Saved      bool        `json:"saved" bson:"saved"`
	Major      int         `json:"major,omitempty" bson:"major,omitempty"`
	Minor      int         `json:"minor,omitempty" bson:"minor,omitempty"`
	CreatedAt  time.Time   `json:"created_at" bson:"created_at"`
}

// Deployment maps an environment to a version for one agent schema.
type Deployment struct {
	TenantUID   int64       `json:"tenant_uid" bson:"tenant_uid"`
	AgentUID    int64       `json:"agent_uid" bson:"agent_uid"`
	SchemaID    int         `json:"schema_id" bson:"schema_id"`
	Environment Environment `json:"environment" bson:"environment"`
	VersionID   string      `json:"version_id" bson:"version_id"`
	DeployedAt  time.Time   `json:"deployed_at" bson:"deployed_at"`
}

// Reference is the union of the ways a request can name a version. Exactly
// one field group is set.
type Reference struct {
	// Inline properties, possibly partial.
	Properties *Properties
	// Legacy integer iteration.
	Iteration *int
	// Saved semver.
	Major *int
	Minor *int
	// Deployment environment.
	Environment Environment
	// 32-hex version hash.
	Hash string
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// IsHash reports whether s looks like a version id.
func IsHash(s string) bool { return hashPattern.MatchString(s) }

// Lookup is the slice of the store the resolver needs.
type Lookup interface {
	GetVersion(ctx context.Context, tenantUID, agentUID int64, versionID string) (*Version, error)
	GetVersionBySemver(ctx context.Context, tenantUID, agentUID int64, schemaID, major, minor int) (*Version, error)
	GetVersionByIteration(ctx context.Context, tenantUID, agentUID int64, schemaID, iteration int) (*Version, error)
	GetDeployment(ctx context.Context, tenantUID, agentUID int64, schemaID int, env Environment) (*Deployment, error)
}

// Resolved is the resolver's outcome: sanitized properties plus identity.
type Resolved struct {
	Properties  *Properties
	VersionID   string
	Environment Environment
	// IsExternal is true when the reference named a stored version or
	// deployment rather than inline properties.
	IsExternal bool
	// IsDifferentVersion is true when sanitization changed the property
	// hash relative to what the caller sent.
	IsDifferentVersion bool
}

// Resolver turns references into sanitized, hashed properties.
type Resolver struct {
	lookup  Lookup
	catalog *model.Catalog
}

func NewResolver(lookup Lookup, catalog *model.Catalog) *Resolver {
	return &Resolver{lookup: lookup, catalog: catalog}
}

// Resolve resolves ref for one agent schema. Stored versions are already
// sanitized, but are re-sanitized anyway so catalog changes surface as
// invalid_run_options instead of provider failures.
func (r *Resolver) Resolve(ctx context.Context, tenantUID, agentUID int64, schemaID int, ref Reference) (*Resolved, error) {
	switch {
	case ref.Properties != nil:
		sanitized, err := Sanitize(ref.Properties, r.catalog)
		if err != nil {
			return nil, err
		}
		return &Resolved{
			Properties:         sanitized,
			VersionID:          Hash(sanitized),
			IsDifferentVersion: IsDifferentVersion(ref.Properties, sanitized),
		}, nil

	case ref.Environment != "":
		if !KnownEnvironment(ref.Environment) {
			return nil, apierror.Newf(apierror.KindInvalidRunOptions,
				"unknown environment %q", ref.Environment)
		}
		deployment, err := r.lookup.GetDeployment(ctx, tenantUID, agentUID, schemaID, ref.Environment)
		if err != nil {
			return nil, err
		}
		if deployment == nil {
			return nil, apierror.Newf(apierror.KindDeploymentNotFound,
				"no %s deployment for this agent schema", ref.Environment)
		}
		stored, err := r.lookup.GetVersion(ctx, tenantUID, agentUID, deployment.VersionID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, apierror.Newf(apierror.KindVersionNotFound,
				"deployed version %s no longer exists", deployment.VersionID)
		}
		return r.external(stored, ref.Environment)

	case ref.Hash != "":
		if !IsHash(ref.Hash) {
			return nil, apierror.Newf(apierror.KindInvalidRunOptions,
				"malformed version id %q", ref.Hash)
		}
		stored, err := r.lookup.GetVersion(ctx, tenantUID, agentUID, ref.Hash)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, apierror.Newf(apierror.KindVersionNotFound,
				"version %s not found", ref.Hash)
		}
		return r.external(stored, "")

	case ref.Major != nil:
		minor := 0
		if ref.Minor != nil {
			minor = *ref.Minor
		}
		stored, err := r.lookup.GetVersionBySemver(ctx, tenantUID, agentUID, schemaID, *ref.Major, minor)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, apierror.Newf(apierror.KindVersionNotFound,
				"version %d.%d not found", *ref.Major, minor)
		}
		return r.external(stored, "")

	case ref.Iteration != nil:
		stored, err := r.lookup.GetVersionByIteration(ctx, tenantUID, agentUID, schemaID, *ref.Iteration)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, apierror.Newf(apierror.KindVersionNotFound,
				"iteration %d not found", *ref.Iteration)
		}
		return r.external(stored, "")
	}

	return nil, apierror.New(apierror.KindInvalidRunOptions, "empty version reference")
}

func (r *Resolver) external(stored *Version, env Environment) (*Resolved, error) {
	sanitized, err := Sanitize(stored.Properties, r.catalog)
	if err != nil {
		return nil, err
	}
	return &Resolved{
		Properties:         sanitized,
		VersionID:          stored.ID,
		Environment:        env,
		IsExternal:         true,
		IsDifferentVersion: IsDifferentVersion(stored.Properties, sanitized),
	}, nil
}

// NextSemver computes the semver for a new save against the latest saved
// version. The first save is 1.0.
func NextSemver(latest *Version, next *Properties) (major, minor int) {
	if latest == nil {
		return 1, 0
	}
	switch CompareForBump(latest.Properties, next) {
	case BumpMajor:
		return latest.Major + 1, 0
	case BumpMinor:
		return latest.Major, latest.Minor + 1
	default:
		return latest.Major, latest.Minor
	}
}
