package migrate

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supriza/kvrocks/cluster"
	"github.com/supriza/kvrocks/config"
	"github.com/supriza/kvrocks/pkg/hashkit"
	"github.com/supriza/kvrocks/pkg/mockconn"
	libnet "github.com/supriza/kvrocks/pkg/net"
	"github.com/supriza/kvrocks/storage"
)

func testMigrateConfig() *config.MigrateConfig {
	c := &config.MigrateConfig{}
	c.SetDefault()
	return c
}

func newTestMigrator(t *testing.T, db *storage.DB, cfg *config.MigrateConfig) (*SlotMigrator, *cluster.Topology) {
	topo := cluster.NewTopology("127.0.0.1:7001")
	m := NewSlotMigrator(db, topo, cfg)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, topo
}

func TestMigrateSlotEndToEnd(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	require.NoError(t, w.Set("foo", "bar", 0))
	require.NoError(t, w.HSet("{foo}h", "f", "v"))
	require.NoError(t, w.Set("unrelated", "x", 0))
	slot := hashkit.Slot([]byte("foo"))

	dest := newFakeDest(t)
	m, topo := newTestMigrator(t, db, testMigrateConfig())

	ctx := NewSyncMigrateContext()
	host, port := dest.hostPort()
	require.NoError(t, m.PerformSlotMigration("dst-node", host, port, slot, ctx))
	require.NoError(t, ctx.Suspend())

	assert.True(t, dest.hasCommand("CLUSTER", "IMPORT", strconv.Itoa(slot), "0"))
	assert.True(t, dest.hasCommand("SET", "foo", "bar"))
	assert.True(t, dest.hasCommand("HMSET", "{foo}h", "f", "v"))
	assert.True(t, dest.hasCommand("CLUSTER", "IMPORT", strconv.Itoa(slot), "1"))

	owner, err := topo.GetNodeBySlot(slot)
	require.NoError(t, err)
	assert.Equal(t, dest.addr(), owner)
	assert.False(t, topo.IsOwned(slot))

	assert.Equal(t, -1, m.MigratingSlot())
	assert.Equal(t, slot, m.ForbiddenSlot())
	assert.Equal(t, -1, m.MigrateFailedSlot())
	assert.Equal(t, StateSuccess, m.MigrationState())
	assert.Equal(t, 0, db.SnapshotsOutstanding())

	assert.Equal(t, cluster.MovedError(slot, dest.addr()), m.WriteRedirect(slot))
	assert.Empty(t, m.WriteRedirect(slot+1))
	assert.Contains(t, m.GetMigrationInfo(), "migrating_state: success")

	// the slot was migrated away; migrating it again is refused
	err = m.PerformSlotMigration("dst-node", host, port, slot, nil)
	assert.Equal(t, ErrSlotMigrated, errors.Cause(err))
}

func TestMigrateBusyRejectsSecondJob(t *testing.T) {
	db := storage.NewDB()
	dest := newFakeDest(t)
	dest.mu.Lock()
	dest.replyDelay = 50 * time.Millisecond
	dest.mu.Unlock()

	m, _ := newTestMigrator(t, db, testMigrateConfig())
	ctx := NewSyncMigrateContext()
	host, port := dest.hostPort()
	require.NoError(t, m.PerformSlotMigration("dst-node", host, port, 100, ctx))

	err := m.PerformSlotMigration("dst-node", host, port, 200, nil)
	assert.Equal(t, ErrBusy, errors.Cause(err))

	require.NoError(t, ctx.Suspend())
}

func TestMigrateCancellation(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	for i := 0; i < 200; i++ {
		require.NoError(t, w.Set(fmt.Sprintf("{c}k%03d", i), "v", 0))
	}
	slot := hashkit.Slot([]byte("{c}x"))

	dest := newFakeDest(t)
	dest.mu.Lock()
	dest.replyDelay = 2 * time.Millisecond
	dest.mu.Unlock()

	cfg := testMigrateConfig()
	cfg.PipelineSize = 1 // one reply round-trip per command
	m, topo := newTestMigrator(t, db, cfg)

	ctx := NewSyncMigrateContext()
	host, port := dest.hostPort()
	require.NoError(t, m.PerformSlotMigration("dst-node", host, port, slot, ctx))
	time.Sleep(50 * time.Millisecond)
	m.SetStopMigrationFlag(true)

	err := ctx.Suspend()
	require.Error(t, err)
	assert.Equal(t, ErrCanceled, errors.Cause(err))

	assert.Equal(t, slot, m.MigrateFailedSlot())
	assert.Equal(t, -1, m.ForbiddenSlot())
	assert.Equal(t, -1, m.MigratingSlot())
	assert.Equal(t, StateFailed, m.MigrationState())
	assert.Equal(t, 0, db.SnapshotsOutstanding())
	assert.True(t, topo.IsOwned(slot))
	assert.True(t, dest.hasCommand("CLUSTER", "IMPORT", strconv.Itoa(slot), "2"))
}

func TestMigrateDestinationDied(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	for i := 0; i < 60; i++ {
		require.NoError(t, w.Set(fmt.Sprintf("{d}k%03d", i), "v", 0))
	}
	slot := hashkit.Slot([]byte("{d}x"))

	dest := newFakeDest(t)
	dest.mu.Lock()
	dest.failAfter = 3
	dest.mu.Unlock()

	m, topo := newTestMigrator(t, db, testMigrateConfig())
	ctx := NewSyncMigrateContext()
	host, port := dest.hostPort()
	require.NoError(t, m.PerformSlotMigration("dst-node", host, port, slot, ctx))

	err := ctx.Suspend()
	require.Error(t, err)
	assert.NotEqual(t, ErrCanceled, errors.Cause(err))

	// the source keeps owning and serving the slot
	assert.True(t, topo.IsOwned(slot))
	assert.Equal(t, slot, m.MigrateFailedSlot())
	assert.Equal(t, -1, m.ForbiddenSlot())
	assert.Equal(t, -1, m.MigratingSlot())
	assert.Equal(t, 0, db.SnapshotsOutstanding())
}

func TestMigrateUnsupportedType(t *testing.T) {
	db := storage.NewDB()
	cfg := testMigrateConfig()
	cfg.Type = "carrier-pigeon"
	m, _ := newTestMigrator(t, db, cfg)

	ctx := NewSyncMigrateContext()
	require.NoError(t, m.PerformSlotMigration("dst-node", "127.0.0.1", 1, 300, ctx))
	err := ctx.Suspend()
	require.Error(t, err)
	assert.Equal(t, ErrUnsupportedType, errors.Cause(err))
	assert.Equal(t, 300, m.MigrateFailedSlot())
}

func TestMigrateRawKeyValue(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	require.NoError(t, w.Set("foo", "bar", 0))
	require.NoError(t, w.HSet("{foo}h", "f", "v"))
	require.NoError(t, w.Set("unrelated", "x", 0))
	slot := hashkit.Slot([]byte("foo"))

	destDB := storage.NewDB()
	dest := newFakeDest(t)
	dest.mu.Lock()
	dest.db = destDB
	dest.mu.Unlock()

	cfg := testMigrateConfig()
	cfg.Type = config.MigrateTypeRawKeyValue
	m, _ := newTestMigrator(t, db, cfg)

	ctx := NewSyncMigrateContext()
	host, port := dest.hostPort()
	require.NoError(t, m.PerformSlotMigration("dst-node", host, port, slot, ctx))
	require.NoError(t, ctx.Suspend())

	var sawApply bool
	for _, cmd := range dest.commands() {
		if cmd[0] == applyBatchCmd {
			sawApply = true
		}
	}
	assert.True(t, sawApply)

	// destination state restricted to the slot equals the source state
	fooKey := storage.EncodeMetadataKey(slot, []byte("foo"))
	assert.Equal(t, db.Get(storage.CFMetadata, fooKey), destDB.Get(storage.CFMetadata, fooKey))
	hKey := storage.EncodeMetadataKey(slot, []byte("{foo}h"))
	assert.Equal(t, db.Get(storage.CFMetadata, hKey), destDB.Get(storage.CFMetadata, hKey))

	otherSlot := hashkit.Slot([]byte("unrelated"))
	otherKey := storage.EncodeMetadataKey(otherSlot, []byte("unrelated"))
	assert.Nil(t, destDB.Get(storage.CFMetadata, otherKey))
}

func TestCatchUpReplaysWritesAfterSnapshot(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	require.NoError(t, w.Set("{t}a", "1", 0))
	slot := hashkit.Slot([]byte("{t}a"))

	m := &SlotMigrator{db: db, cfg: testMigrateConfig()}
	m.snap = db.GetSnapshot()
	m.walBeginSeq = m.snap.SequenceNumber()
	defer func() { require.NoError(t, db.ReleaseSnapshot(m.snap)) }()

	require.NoError(t, w.Set("{t}a", "2", 0))
	require.NoError(t, w.Set("{t}b", "3", 0))

	mc := mockconn.CreateConn([]byte(strings.Repeat("+OK\r\n", 64)), 1)
	m.cli = newDstClient(libnet.NewConn(mc, 0, 0), 1024, 0, nil)

	job := &Job{Slot: slot, SeqGapLimit: 0, MaxPipelineSize: 1024}
	require.NoError(t, m.catchUpIncrementalWAL(job))
	assert.Equal(t, db.LatestSequenceNumber(), m.walBeginSeq)

	cmds := parseCommands(t, mc.(*mockconn.MockConn).Wbuf.Bytes())
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"SET", "{t}a", "2"}, cmds[0])
	assert.Equal(t, []string{"SET", "{t}b", "3"}, cmds[1])
}

func TestCatchUpSkipsWhenGapWithinLimit(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	require.NoError(t, w.Set("{t}a", "1", 0))

	m := &SlotMigrator{db: db, cfg: testMigrateConfig()}
	m.walBeginSeq = 0

	mc := mockconn.CreateConn(nil, 0)
	m.cli = newDstClient(libnet.NewConn(mc, 0, 0), 1024, 0, nil)

	job := &Job{Slot: hashkit.Slot([]byte("{t}a")), SeqGapLimit: 10000, MaxPipelineSize: 1024}
	require.NoError(t, m.catchUpIncrementalWAL(job))
	// nothing sent, cutover will drain the small gap
	assert.Zero(t, mc.(*mockconn.MockConn).Wbuf.Len())
}

func TestSetForbiddenSlot(t *testing.T) {
	db := storage.NewDB()
	m := &SlotMigrator{db: db, cfg: testMigrateConfig()}
	m.setForbiddenSlot(77)
	assert.Equal(t, 77, int(m.forbiddenSlot.Load()))
}

func TestMigrationInfoWhenIdle(t *testing.T) {
	db := storage.NewDB()
	m, _ := newTestMigrator(t, db, testMigrateConfig())
	info := m.GetMigrationInfo()
	assert.Contains(t, info, "migrating_slot: -1")
	assert.Contains(t, info, "migrating_state: none")
}

func TestFlagsDisjointAfterTerminalStates(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	require.NoError(t, w.Set("foo", "bar", 0))
	slot := hashkit.Slot([]byte("foo"))

	dest := newFakeDest(t)
	m, _ := newTestMigrator(t, db, testMigrateConfig())
	host, port := dest.hostPort()

	ctx := NewSyncMigrateContext()
	require.NoError(t, m.PerformSlotMigration("dst-node", host, port, slot, ctx))
	require.NoError(t, ctx.Suspend())
	assertFlagsDisjoint(t, m)

	// a failing job on another slot
	cfgSlot := slot + 1
	ctx = NewSyncMigrateContext()
	require.NoError(t, m.PerformSlotMigration("dst-node", "127.0.0.1", 1, cfgSlot, ctx))
	require.Error(t, ctx.Suspend())
	assertFlagsDisjoint(t, m)
}

func assertFlagsDisjoint(t *testing.T, m *SlotMigrator) {
	flags := []int{m.MigratingSlot(), m.ForbiddenSlot(), m.MigrateFailedSlot()}
	for i := 0; i < len(flags); i++ {
		for j := i + 1; j < len(flags); j++ {
			if flags[i] == -1 && flags[j] == -1 {
				continue
			}
			assert.NotEqual(t, flags[i], flags[j])
		}
	}
}
