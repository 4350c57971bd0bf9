package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
)

func TestTokenHash(t *testing.T) {
	h := TokenHash("sk-test-123")
	assert.Len(t, h, 64)
	assert.Equal(t, h, TokenHash("  sk-test-123  "))
	assert.NotEqual(t, h, TokenHash("sk-test-124"))
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	tn := &Tenant{Name: "acme", UID: 7}
	ctx := WithContext(context.Background(), tn)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "acme", got.Name)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	d.Add(&Tenant{Name: "acme", UID: 7}, "sk-acme")

	got, err := d.Authenticate(ctx, "sk-acme")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UID)

	_, err = d.Authenticate(ctx, "sk-wrong")
	require.Error(t, err)
	assert.Equal(t, apierror.KindAuthentication, apierror.KindOf(err))

	byName, err := d.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", byName.Name)

	_, err = d.Get(ctx, "ghost")
	assert.Equal(t, apierror.KindAuthentication, apierror.KindOf(err))
}

func TestCreditsAuthorize(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	credits := NewCredits(ledger, 0, nil)
	tn := &Tenant{Name: "acme", UID: 1}

	// empty balance blocks new runs
	err := credits.Authorize(ctx, tn)
	require.Error(t, err)
	assert.Equal(t, apierror.KindInsufficientCredits, apierror.KindOf(err))

	_, err = ledger.Credit(ctx, 1, 5.0)
	require.NoError(t, err)
	assert.NoError(t, credits.Authorize(ctx, tn))
}

func TestCreditsChargeClampsAtFloor(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	credits := NewCredits(ledger, 0, nil)
	tn := &Tenant{Name: "acme", UID: 1}

	_, err := ledger.Credit(ctx, 1, 1.0)
	require.NoError(t, err)

	// an in-flight run may cost more than the remaining balance; the debit
	// clamps instead of failing
	credits.Charge(ctx, tn, 3.0)
	balance, err := ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestCreditsLowCreditHook(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	var hookBalance float64
	fired := 0
	credits := NewCredits(ledger, 0, func(ctx context.Context, t *Tenant, balanceUSD float64) {
		fired++
		hookBalance = balanceUSD
	})
	tn := &Tenant{Name: "acme", UID: 1, LowCreditThresholdUSD: 5.0}

	_, err := ledger.Credit(ctx, 1, 10.0)
	require.NoError(t, err)

	// crossing the threshold fires the hook once
	credits.Charge(ctx, tn, 6.0)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 4.0, hookBalance)

	// staying below it does not fire again
	credits.Charge(ctx, tn, 1.0)
	assert.Equal(t, 1, fired)
}

func TestCreditsChargeIgnoresNonPositive(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	credits := NewCredits(ledger, 0, nil)
	tn := &Tenant{Name: "acme", UID: 1}

	_, err := ledger.Credit(ctx, 1, 2.0)
	require.NoError(t, err)
	credits.Charge(ctx, tn, 0)

	balance, err := ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, balance)
}
