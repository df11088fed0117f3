package memgate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFixedGate(t *testing.T) {
	t.Parallel()

	gate := &FixedGate{CapacityBytes: 32 << 30, ReserveBytes: 8 << 30}

	// 3 x 5 GiB + 8 GiB reserve = 23 GiB, fits in 32 GiB
	d, err := gate.Check(context.Background(), []uint64{5 << 30, 5 << 30, 5 << 30})
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Zero(t, d.NeededBytes)

	// 5 x 6 GiB + 8 GiB reserve = 38 GiB, over by 6 GiB
	d, err = gate.Check(context.Background(), []uint64{6 << 30, 6 << 30, 6 << 30, 6 << 30, 6 << 30})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, uint64(6<<30), d.NeededBytes)
}

func TestFixedGateExactBoundary(t *testing.T) {
	t.Parallel()

	gate := &FixedGate{CapacityBytes: 16 << 30, ReserveBytes: 8 << 30}

	// Exactly at capacity approves
	d, err := gate.Check(context.Background(), []uint64{8 << 30})
	require.NoError(t, err)
	assert.True(t, d.Approved)

	// One byte over does not
	d, err = gate.Check(context.Background(), []uint64{8<<30 + 1})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, uint64(1), d.NeededBytes)
}

func TestSystemGateDisabled(t *testing.T) {
	t.Parallel()

	gate := NewSystemGate(zap.NewNop(), Config{Enabled: false})
	d, err := gate.Check(context.Background(), []uint64{1 << 62})
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestSystemGateReadsHost(t *testing.T) {
	t.Parallel()

	gate := NewSystemGate(zap.NewNop(), Config{Enabled: true})

	// An empty proposal against a live host must approve
	d, err := gate.Check(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Positive(t, d.AvailableBytes)
}
