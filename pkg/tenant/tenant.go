// Package tenant carries the per-tenant context every request runs under:
// identity, credit balance, payment state and provider credential overrides.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/providers"
)

// PaymentState tracks where the tenant sits in the billing lifecycle. It is
// informational here; the payment attempt itself is an external concern
// reached through the low-credit hook.
type PaymentState string

const (
	PaymentStateActive   PaymentState = "active"
	PaymentStateRequired PaymentState = "payment_required"
	PaymentStateFailed   PaymentState = "payment_failed"
)

// Tenant is the resolved request principal. All stored entities are scoped
// by its UID.
type Tenant struct {
	Name string `bson:"_id" json:"tenant"`
	UID  int64  `bson:"uid" json:"tenant_uid"`

	CreditsUSD            float64      `bson:"credits_usd" json:"credits_usd"`
	LowCreditThresholdUSD float64      `bson:"low_credit_threshold_usd" json:"low_credit_threshold_usd"`
	PaymentState          PaymentState `bson:"payment_state" json:"payment_state"`

	// Credentials overrides the gateway-level provider secrets when set.
	Credentials *providers.Credentials `bson:"credentials,omitempty" json:"-"`
}

type contextKey struct{}

// WithContext attaches the tenant to the request context.
func WithContext(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tenant attached to the context, if any.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*Tenant)
	return t, ok
}

// Directory resolves bearer tokens and tenant names.
type Directory interface {
	// Authenticate resolves a bearer token to its tenant. Unknown tokens
	// fail with authentication_error.
	Authenticate(ctx context.Context, token string) (*Tenant, error)
	// Get resolves a tenant by name.
	Get(ctx context.Context, name string) (*Tenant, error)
}

// TokenHash is the stored form of an API token. Tokens are never persisted
// in the clear.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func errUnknownToken() error {
	return apierror.New(apierror.KindAuthentication, "unknown API token")
}

func errUnknownTenant(name string) error {
	return apierror.Newf(apierror.KindAuthentication, "unknown tenant %q", name)
}
