package tenant

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo backs the tenant directory and credit ledger with a single
// "tenants" collection. Token hashes live on the tenant document; the debit
// runs as a single pipeline update so the floor clamp is atomic.
type Mongo struct {
	tenants *mongodriver.Collection
	timeout time.Duration
}

const defaultMongoTimeout = 5 * time.Second

func NewMongo(db *mongodriver.Database, timeout time.Duration) (*Mongo, error) {
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	m := &Mongo{tenants: db.Collection("tenants"), timeout: timeout}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := m.tenants.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "uid", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "token_hashes", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mongo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

type tenantDoc struct {
	Tenant      `bson:",inline"`
	TokenHashes []string `bson:"token_hashes"`
}

func (m *Mongo) Authenticate(ctx context.Context, token string) (*Tenant, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc tenantDoc
	err := m.tenants.FindOne(ctx, bson.D{
		{Key: "token_hashes", Value: TokenHash(token)},
	}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, errUnknownToken()
	}
	if err != nil {
		return nil, err
	}
	return &doc.Tenant, nil
}

func (m *Mongo) Get(ctx context.Context, name string) (*Tenant, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc tenantDoc
	err := m.tenants.FindOne(ctx, bson.D{{Key: "_id", Value: name}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, errUnknownTenant(name)
	}
	if err != nil {
		return nil, err
	}
	return &doc.Tenant, nil
}

// Put upserts a tenant record, preserving an existing balance on update.
func (m *Mongo) Put(ctx context.Context, t *Tenant, tokens []string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	hashes := make([]string, 0, len(tokens))
	for _, token := range tokens {
		hashes = append(hashes, TokenHash(token))
	}
	_, err := m.tenants.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: t.Name}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "uid", Value: t.UID},
				{Key: "low_credit_threshold_usd", Value: t.LowCreditThresholdUSD},
				{Key: "payment_state", Value: t.PaymentState},
				{Key: "token_hashes", Value: hashes},
			}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "credits_usd", Value: t.CreditsUSD},
			}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (m *Mongo) Balance(ctx context.Context, tenantUID int64) (float64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc struct {
		CreditsUSD float64 `bson:"credits_usd"`
	}
	err := m.tenants.FindOne(ctx, bson.D{{Key: "uid", Value: tenantUID}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.CreditsUSD, nil
}

func (m *Mongo) Debit(ctx context.Context, tenantUID int64, amountUSD, floorUSD float64) (float64, float64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	update := mongodriver.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "credits_usd", Value: bson.D{
			{Key: "$max", Value: bson.A{
				floorUSD,
				bson.D{{Key: "$subtract", Value: bson.A{"$credits_usd", amountUSD}}},
			}},
		}}}}},
	}
	var doc struct {
		CreditsUSD float64 `bson:"credits_usd"`
	}
	err := m.tenants.FindOneAndUpdate(ctx,
		bson.D{{Key: "uid", Value: tenantUID}},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, 0, errors.New("tenant ledger entry not found")
	}
	if err != nil {
		return 0, 0, err
	}
	before := doc.CreditsUSD
	after := before - amountUSD
	if after < floorUSD {
		after = floorUSD
	}
	return before, after, nil
}

func (m *Mongo) Credit(ctx context.Context, tenantUID int64, amountUSD float64) (float64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var doc struct {
		CreditsUSD float64 `bson:"credits_usd"`
	}
	err := m.tenants.FindOneAndUpdate(ctx,
		bson.D{{Key: "uid", Value: tenantUID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "credits_usd", Value: amountUSD}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.CreditsUSD, nil
}
