package wire

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/settlement/internal/mover"
)

func TestMoveIn_RegistersExpectation(t *testing.T) {
	m := New(24 * time.Hour)
	receipt, err := m.MoveIn(context.Background(), mover.Instruction{Reference: "R1", Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.False(t, receipt.Final)
	assert.Equal(t, "R1", receipt.ExternalRef)

	_, err = m.MoveIn(context.Background(), mover.Instruction{Amount: decimal.NewFromInt(500)})
	assert.True(t, mover.IsRejected(err))
}

func TestCheckStatus_Expires(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(48 * time.Hour)
	m.now = func() time.Time { return now }

	in := mover.Instruction{Reference: "R1", CreatedAt: now.Add(-time.Hour)}
	status, err := m.CheckStatus(context.Background(), in, "")
	require.NoError(t, err)
	assert.Equal(t, mover.StatePending, status.State)
	assert.Equal(t, "R1", status.ExternalRef)

	in.CreatedAt = now.Add(-49 * time.Hour)
	status, err = m.CheckStatus(context.Background(), in, "R1")
	require.NoError(t, err)
	assert.Equal(t, mover.StateRejected, status.State)
}

func TestMoveOut_Unsupported(t *testing.T) {
	_, err := New(0).MoveOut(context.Background(), mover.Instruction{})
	assert.True(t, mover.IsRejected(err))
}
