package migrate

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supriza/kvrocks/pkg/hashkit"
	"github.com/supriza/kvrocks/pkg/mockconn"
	libnet "github.com/supriza/kvrocks/pkg/net"
	"github.com/supriza/kvrocks/storage"
)

// extractSince replays the WAL of the slot from seq through the extractor
// and returns the reconstructed commands.
func extractSince(t *testing.T, db *storage.DB, slot int, seq uint64) [][]string {
	mc := mockconn.CreateConn([]byte(strings.Repeat("+OK\r\n", 1024)), 1)
	cli := newDstClient(libnet.NewConn(mc, 0, 0), 1024, 0, nil)
	x := newWALExtractor(slot, cli)
	it, err := db.NewSlotWALIterator(slot, seq)
	require.NoError(t, err)
	for ; it.Valid(); it.Next() {
		require.NoError(t, x.extractItem(it.Item()))
	}
	require.NoError(t, cli.sendCmdsPipelineIfNeed(true))
	return parseCommands(t, mc.(*mockconn.MockConn).Wbuf.Bytes())
}

func TestExtractorReconstructsCommands(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	slot := hashkit.Slot([]byte("{t}s"))
	at := time.Now().Add(time.Hour).UnixMilli()

	require.NoError(t, w.Set("{t}s", "v1", 0))
	require.NoError(t, w.RPush("{t}l", "x"))
	require.NoError(t, w.LPush("{t}l", "y"))
	require.NoError(t, w.HSet("{t}h", "f", "v"))
	require.NoError(t, w.Set("{u}other", "zzz", 0)) // different slot
	require.NoError(t, w.Del("{t}s"))
	require.NoError(t, w.PExpireAt("{t}h", at))

	require.NotEqual(t, slot, hashkit.Slot([]byte("{u}other")))

	got := extractSince(t, db, slot, 1)
	require.Len(t, got, 6)
	assert.Equal(t, []string{"SET", "{t}s", "v1"}, got[0])
	assert.Equal(t, []string{"RPUSH", "{t}l", "x"}, got[1])
	assert.Equal(t, []string{"LPUSH", "{t}l", "y"}, got[2])
	assert.Equal(t, []string{"HSET", "{t}h", "f", "v"}, got[3])
	assert.Equal(t, []string{"DEL", "{t}s"}, got[4])
	assert.Equal(t, []string{"PEXPIREAT", "{t}h", fmt.Sprint(at)}, got[5])
}

func TestExtractorStream(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	key := "{t}s1"
	slot := hashkit.Slot([]byte(key))
	require.NoError(t, w.XAdd(key, storage.StreamEntryID{Ms: 7, Seq: 0}, "f", "v"))

	cmds := extractSince(t, db, slot, 1)
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"XADD", key, "7-0", "f", "v"}, cmds[0])
	assert.Equal(t, []string{"XSETID", key, "7-0", "ENTRIESADDED", "1", "MAXDELETEDID", "0-0"}, cmds[1])
}

func TestExtractorDropsDeleteRange(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	key := "{t}k"
	slot := hashkit.Slot([]byte(key))
	require.NoError(t, w.Set(key, "v", 0))
	seq := db.LatestSequenceNumber()
	require.NoError(t, db.ClearKeysOfSlot(slot))

	cmds := extractSince(t, db, slot, seq+1)
	assert.Empty(t, cmds)
}

func TestExtractorBitmapFragment(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	key := "{t}bm"
	slot := hashkit.Slot([]byte(key))
	require.NoError(t, w.SetBit(key, 8200))

	cmds := extractSince(t, db, slot, 1)
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"SETBIT", key, "8200", "1"}, cmds[0])
}
