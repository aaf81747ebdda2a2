package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/settlement/internal/settlement"
)

func newRegistry(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, 24*time.Hour), mr
}

func TestRememberTerminalRecord(t *testing.T) {
	reg, mr := newRegistry(t)
	ctx := context.Background()

	rec := settlement.Record{
		RequestID:   "req-1",
		Fingerprint: "fp",
		State:       settlement.StateCompleted,
		ExternalRef: "abc",
		AmountOut:   decimal.RequireFromString("0.02"),
		Version:     3,
	}
	require.NoError(t, reg.Remember(ctx, rec))
	assert.True(t, mr.Exists("settlement:record:req-1"))

	got, ok, err := reg.Lookup(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", got.ExternalRef)
	assert.Equal(t, "fp", got.Fingerprint)
	assert.True(t, got.AmountOut.Equal(rec.AmountOut))

	mr.FastForward(25 * time.Hour)
	_, ok, err = reg.Lookup(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRememberSkipsInFlightRecords(t *testing.T) {
	reg, mr := newRegistry(t)
	ctx := context.Background()

	for _, state := range []settlement.State{settlement.StateAccepted, settlement.StateExternalPending, settlement.StateAwaitingReconciliation} {
		require.NoError(t, reg.Remember(ctx, settlement.Record{RequestID: "req-" + string(state), State: state}))
	}
	assert.Empty(t, mr.Keys())
}

func TestManualReviewEntriesExpireSooner(t *testing.T) {
	reg, mr := newRegistry(t)
	require.NoError(t, reg.Remember(context.Background(), settlement.Record{RequestID: "req-9", State: settlement.StateManualReviewRequired}))
	assert.Equal(t, time.Hour, mr.TTL("settlement:record:req-9"))
}

func TestLookupMiss(t *testing.T) {
	reg, _ := newRegistry(t)
	_, ok, err := reg.Lookup(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}
