package version

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/model"
)

// fakeLookup serves versions and deployments from maps.
type fakeLookup struct {
	versions    map[string]*Version
	deployments map[Environment]*Deployment
}

func (f *fakeLookup) GetVersion(ctx context.Context, tenantUID, agentUID int64, versionID string) (*Version, error) {
	return f.versions[versionID], nil
}

func (f *fakeLookup) GetVersionBySemver(ctx context.Context, tenantUID, agentUID int64, schemaID, major, minor int) (*Version, error) {
	for _, v := range f.versions {
		if v.Saved && v.Major == major && v.Minor == minor {
			return v, nil
		}
	}
	return nil, nil
}

func (f *fakeLookup) GetVersionByIteration(ctx context.Context, tenantUID, agentUID int64, schemaID, iteration int) (*Version, error) {
	return nil, nil
}

func (f *fakeLookup) GetDeployment(ctx context.Context, tenantUID, agentUID int64, schemaID int, env Environment) (*Deployment, error) {
	return f.deployments[env], nil
}

func storedVersion(props *Properties) *Version {
	return &Version{
		ID:         Hash(props),
		TenantUID:  1,
		AgentUID:   10,
		SchemaID:   1,
		Properties: props,
		Saved:      true,
		Major:      1,
		Minor:      0,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestResolveInlineProperties(t *testing.T) {
	r := NewResolver(&fakeLookup{}, model.DefaultCatalog())

	props := &Properties{Model: "gpt-4o", Temperature: floatPtr(0.5)}
	resolved, err := r.Resolve(context.Background(), 1, 10, 1, Reference{Properties: props})
	require.NoError(t, err)

	assert.Equal(t, Hash(resolved.Properties), resolved.VersionID)
	assert.False(t, resolved.IsExternal)
	assert.False(t, resolved.IsDifferentVersion)
}

func TestResolveInlineNormalizationChangesIdentity(t *testing.T) {
	r := NewResolver(&fakeLookup{}, model.DefaultCatalog())

	// the @mention union adds a tool, changing the hash
	props := &Properties{Instructions: "use @search-google"}
	resolved, err := r.Resolve(context.Background(), 1, 10, 1, Reference{Properties: props})
	require.NoError(t, err)
	assert.True(t, resolved.IsDifferentVersion)
	assert.Equal(t, []string{"@search-google"}, resolved.Properties.EnabledTools)
}

func TestResolveByHash(t *testing.T) {
	stored := storedVersion(&Properties{Model: "gpt-4o"})
	r := NewResolver(&fakeLookup{versions: map[string]*Version{stored.ID: stored}}, model.DefaultCatalog())

	resolved, err := r.Resolve(context.Background(), 1, 10, 1, Reference{Hash: stored.ID})
	require.NoError(t, err)
	assert.True(t, resolved.IsExternal)
	assert.Equal(t, stored.ID, resolved.VersionID)
	assert.Equal(t, "gpt-4o", resolved.Properties.Model)
}

func TestResolveByHashErrors(t *testing.T) {
	r := NewResolver(&fakeLookup{versions: map[string]*Version{}}, model.DefaultCatalog())

	_, err := r.Resolve(context.Background(), 1, 10, 1, Reference{Hash: "not-a-hash"})
	assert.Equal(t, apierror.KindInvalidRunOptions, apierror.KindOf(err))

	_, err = r.Resolve(context.Background(), 1, 10, 1, Reference{Hash: "0123456789abcdef0123456789abcdef"})
	assert.Equal(t, apierror.KindVersionNotFound, apierror.KindOf(err))
}

func TestResolveBySemver(t *testing.T) {
	stored := storedVersion(&Properties{Model: "gpt-4o"})
	r := NewResolver(&fakeLookup{versions: map[string]*Version{stored.ID: stored}}, model.DefaultCatalog())

	resolved, err := r.Resolve(context.Background(), 1, 10, 1, Reference{Major: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, resolved.VersionID)

	_, err = r.Resolve(context.Background(), 1, 10, 1, Reference{Major: intPtr(9)})
	assert.Equal(t, apierror.KindVersionNotFound, apierror.KindOf(err))
}

func TestResolveByEnvironment(t *testing.T) {
	stored := storedVersion(&Properties{Model: "gpt-4o"})
	lookup := &fakeLookup{
		versions: map[string]*Version{stored.ID: stored},
		deployments: map[Environment]*Deployment{
			EnvProduction: {VersionID: stored.ID, Environment: EnvProduction},
		},
	}
	r := NewResolver(lookup, model.DefaultCatalog())

	resolved, err := r.Resolve(context.Background(), 1, 10, 1, Reference{Environment: EnvProduction})
	require.NoError(t, err)
	assert.True(t, resolved.IsExternal)
	assert.Equal(t, EnvProduction, resolved.Environment)

	_, err = r.Resolve(context.Background(), 1, 10, 1, Reference{Environment: EnvStaging})
	assert.Equal(t, apierror.KindDeploymentNotFound, apierror.KindOf(err))

	_, err = r.Resolve(context.Background(), 1, 10, 1, Reference{Environment: "qa"})
	assert.Equal(t, apierror.KindInvalidRunOptions, apierror.KindOf(err))
}

func TestResolveEmptyReference(t *testing.T) {
	r := NewResolver(&fakeLookup{}, model.DefaultCatalog())
	_, err := r.Resolve(context.Background(), 1, 10, 1, Reference{})
	assert.Equal(t, apierror.KindInvalidRunOptions, apierror.KindOf(err))
}
