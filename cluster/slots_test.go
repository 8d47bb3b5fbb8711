package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyFlip(t *testing.T) {
	tp := NewTopology("127.0.0.1:7001")
	assert.True(t, tp.IsOwned(1234))

	require.NoError(t, tp.SetSlotMigrated(1234, "127.0.0.1:7002"))
	assert.False(t, tp.IsOwned(1234))
	addr, err := tp.GetNodeBySlot(1234)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7002", addr)
	assert.Equal(t, int64(1), tp.Epoch())

	require.NoError(t, tp.SetSlotImported(1234))
	assert.True(t, tp.IsOwned(1234))
}

func TestTopologyBounds(t *testing.T) {
	tp := NewTopology("127.0.0.1:7001")
	assert.Error(t, tp.SetSlotMigrated(16384, "x"))
	assert.Error(t, tp.SetSlotMigrated(-1, "x"))
	assert.Error(t, tp.SetSlotMigrated(1, ""))
	_, err := tp.GetNodeBySlot(99999)
	assert.Error(t, err)
}

func TestMovedError(t *testing.T) {
	assert.Equal(t, "MOVED 1234 127.0.0.1:7002", MovedError(1234, "127.0.0.1:7002"))
}
