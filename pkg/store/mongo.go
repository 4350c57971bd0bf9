package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/modelgateway/relay/pkg/agent"
	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/version"
)

// MongoOptions configures the Mongo-backed store.
type MongoOptions struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Mongo is the MongoDB store.
type Mongo struct {
	client      *mongodriver.Client
	agents      *mongodriver.Collection
	versions    *mongodriver.Collection
	deployments *mongodriver.Collection
	runs        *mongodriver.Collection
	counters    *mongodriver.Collection
	timeout     time.Duration

	mu        sync.RWMutex
	listeners []RunListener
}

const defaultMongoTimeout = 5 * time.Second

func NewMongo(ctx context.Context, opts MongoOptions) (*Mongo, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultMongoTimeout
	}

	client, err := mongodriver.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, err
	}

	db := client.Database(opts.Database)
	m := &Mongo{
		client:      client,
		agents:      db.Collection("agents"),
		versions:    db.Collection("versions"),
		deployments: db.Collection("deployments"),
		runs:        db.Collection("runs"),
		counters:    db.Collection("counters"),
		timeout:     opts.Timeout,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := m.agents.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_uid", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "uid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return err
	}
	if _, err := m.versions.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{
			{Key: "tenant_uid", Value: 1}, {Key: "agent_uid", Value: 1}, {Key: "_id", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "tenant_uid", Value: 1}, {Key: "agent_uid", Value: 1},
			{Key: "schema_id", Value: 1}, {Key: "major", Value: 1}, {Key: "minor", Value: 1},
		}},
	}); err != nil {
		return err
	}
	if _, err := m.deployments.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_uid", Value: 1}, {Key: "agent_uid", Value: 1},
			{Key: "schema_id", Value: 1}, {Key: "environment", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := m.runs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenant_uid", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{
			{Key: "tenant_uid", Value: 1}, {Key: "agent_uid", Value: 1}, {Key: "_id", Value: -1},
		}},
	})
	return err
}

func (m *Mongo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

type agentDoc struct {
	ID        string         `bson:"_id"`
	TenantUID int64          `bson:"tenant_uid"`
	UID       int64          `bson:"uid"`
	Schemas   []agent.Schema `bson:"schemas"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

func agentDocKey(tenantUID int64, agentID string) bson.D {
	return bson.D{{Key: "_id", Value: agentID}, {Key: "tenant_uid", Value: tenantUID}}
}

func (m *Mongo) GetAgent(ctx context.Context, tenantUID int64, agentID string) (*agent.Agent, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc agentDoc
	err := m.agents.FindOne(ctx, agentDocKey(tenantUID, agentID)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToAgent(&doc), nil
}

func (m *Mongo) GetAgentByUID(ctx context.Context, tenantUID, agentUID int64) (*agent.Agent, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc agentDoc
	err := m.agents.FindOne(ctx, bson.D{
		{Key: "tenant_uid", Value: tenantUID}, {Key: "uid", Value: agentUID},
	}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docToAgent(&doc), nil
}

func docToAgent(doc *agentDoc) *agent.Agent {
	return &agent.Agent{
		ID:        doc.ID,
		UID:       doc.UID,
		TenantUID: doc.TenantUID,
		Schemas:   doc.Schemas,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func (m *Mongo) PutAgent(ctx context.Context, tenantUID int64, a *agent.Agent, expectedUpdatedAt time.Time) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	doc := agentDoc{
		ID:        a.ID,
		TenantUID: tenantUID,
		UID:       a.UID,
		Schemas:   a.Schemas,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}

	if expectedUpdatedAt.IsZero() {
		_, err := m.agents.InsertOne(ctx, doc)
		if mongodriver.IsDuplicateKeyError(err) {
			return apierror.Newf(apierror.KindConcurrentModification,
				"agent %q was created concurrently", a.ID)
		}
		return err
	}

	filter := append(agentDocKey(tenantUID, a.ID),
		bson.E{Key: "updated_at", Value: expectedUpdatedAt})
	result, err := m.agents.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return apierror.Newf(apierror.KindConcurrentModification,
			"agent %q was modified concurrently", a.ID)
	}
	return nil
}

func (m *Mongo) NextAgentUID(ctx context.Context) (int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc struct {
		Value int64 `bson:"value"`
	}
	err := m.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: "agent_uid"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Value, nil
}

func versionDocKey(tenantUID, agentUID int64, versionID string) bson.D {
	return bson.D{
		{Key: "_id", Value: versionID},
		{Key: "tenant_uid", Value: tenantUID},
		{Key: "agent_uid", Value: agentUID},
	}
}

func (m *Mongo) GetVersion(ctx context.Context, tenantUID, agentUID int64, versionID string) (*version.Version, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var v version.Version
	err := m.versions.FindOne(ctx, versionDocKey(tenantUID, agentUID, versionID)).Decode(&v)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *Mongo) GetVersionBySemver(ctx context.Context, tenantUID, agentUID int64, schemaID, major, minor int) (*version.Version, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var v version.Version
	err := m.versions.FindOne(ctx, bson.D{
		{Key: "tenant_uid", Value: tenantUID},
		{Key: "agent_uid", Value: agentUID},
		{Key: "schema_id", Value: schemaID},
		{Key: "saved", Value: true},
		{Key: "major", Value: major},
		{Key: "minor", Value: minor},
	}).Decode(&v)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *Mongo) GetVersionByIteration(ctx context.Context, tenantUID, agentUID int64, schemaID, iteration int) (*version.Version, error) {
	if iteration <= 0 {
		return nil, nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	cursor, err := m.versions.Find(ctx, bson.D{
		{Key: "tenant_uid", Value: tenantUID},
		{Key: "agent_uid", Value: agentUID},
		{Key: "schema_id", Value: schemaID},
		{Key: "saved", Value: true},
	}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(int64(iteration-1)).
		SetLimit(1))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	if !cursor.Next(ctx) {
		return nil, cursor.Err()
	}
	var v version.Version
	if err := cursor.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *Mongo) PutVersion(ctx context.Context, v *version.Version) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	_, err := m.versions.InsertOne(ctx, v)
	if mongodriver.IsDuplicateKeyError(err) {
		if !v.Saved {
			return nil
		}
		// promote an unsaved version to saved exactly once
		_, err = m.versions.UpdateOne(ctx,
			append(versionDocKey(v.TenantUID, v.AgentUID, v.ID),
				bson.E{Key: "saved", Value: false}),
			bson.D{{Key: "$set", Value: bson.D{
				{Key: "saved", Value: true},
				{Key: "major", Value: v.Major},
				{Key: "minor", Value: v.Minor},
			}}},
		)
	}
	return err
}

func (m *Mongo) ListVersions(ctx context.Context, tenantUID, agentUID int64, schemaID int) ([]*version.Version, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	cursor, err := m.versions.Find(ctx, bson.D{
		{Key: "tenant_uid", Value: tenantUID},
		{Key: "agent_uid", Value: agentUID},
		{Key: "schema_id", Value: schemaID},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*version.Version
	for cursor.Next(ctx) {
		var v version.Version
		if err := cursor.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, cursor.Err()
}

func (m *Mongo) LatestSavedVersion(ctx context.Context, tenantUID, agentUID int64, schemaID int) (*version.Version, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var v version.Version
	err := m.versions.FindOne(ctx, bson.D{
		{Key: "tenant_uid", Value: tenantUID},
		{Key: "agent_uid", Value: agentUID},
		{Key: "schema_id", Value: schemaID},
		{Key: "saved", Value: true},
	}, options.FindOne().SetSort(bson.D{
		{Key: "major", Value: -1}, {Key: "minor", Value: -1},
	})).Decode(&v)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func deploymentDocKey(d *version.Deployment) bson.D {
	return bson.D{
		{Key: "tenant_uid", Value: d.TenantUID},
		{Key: "agent_uid", Value: d.AgentUID},
		{Key: "schema_id", Value: d.SchemaID},
		{Key: "environment", Value: d.Environment},
	}
}

func (m *Mongo) GetDeployment(ctx context.Context, tenantUID, agentUID int64, schemaID int, env version.Environment) (*version.Deployment, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var d version.Deployment
	err := m.deployments.FindOne(ctx, bson.D{
		{Key: "tenant_uid", Value: tenantUID},
		{Key: "agent_uid", Value: agentUID},
		{Key: "schema_id", Value: schemaID},
		{Key: "environment", Value: env},
	}).Decode(&d)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *Mongo) PutDeployment(ctx context.Context, d *version.Deployment) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	_, err := m.deployments.ReplaceOne(ctx, deploymentDocKey(d), d,
		options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) PutRun(ctx context.Context, r *run.Run) error {
	if r.Status != run.StatusSuccess && r.Status != run.StatusFailure {
		return apierror.New(apierror.KindInternal, "run persisted before terminal state")
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if _, err := m.runs.InsertOne(ctx, r); err != nil {
		return err
	}

	m.mu.RLock()
	listeners := append([]RunListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, listener := range listeners {
		listener(RunCreatedEvent{TenantUID: r.TenantUID, Run: r})
	}
	return nil
}

func (m *Mongo) GetRun(ctx context.Context, tenantUID int64, runID string) (*run.Run, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var r run.Run
	err := m.runs.FindOne(ctx, bson.D{
		{Key: "_id", Value: runID},
		{Key: "tenant_uid", Value: tenantUID},
	}).Decode(&r)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *Mongo) SearchRuns(ctx context.Context, tenantUID int64, filter RunFilter) ([]*run.Run, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	query := bson.D{{Key: "tenant_uid", Value: tenantUID}}
	if filter.AgentUID != 0 {
		query = append(query, bson.E{Key: "agent_uid", Value: filter.AgentUID})
	}
	if filter.SchemaID != 0 {
		query = append(query, bson.E{Key: "schema_id", Value: filter.SchemaID})
	}
	if filter.VersionID != "" {
		query = append(query, bson.E{Key: "version_id", Value: filter.VersionID})
	}
	if filter.Status != "" {
		query = append(query, bson.E{Key: "status", Value: filter.Status})
	}
	if filter.AfterID != "" {
		query = append(query, bson.E{Key: "_id", Value: bson.D{{Key: "$gt", Value: filter.AfterID}}})
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := m.runs.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*run.Run
	for cursor.Next(ctx) {
		var r run.Run
		if err := cursor.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, cursor.Err()
}

func (m *Mongo) Subscribe(listener RunListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Database exposes the underlying handle so sibling stores (tenants) can
// share the connection.
func (m *Mongo) Database() *mongodriver.Database {
	return m.agents.Database()
}
