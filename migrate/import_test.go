package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supriza/kvrocks/pkg/hashkit"
	"github.com/supriza/kvrocks/storage"
)

func TestImportLifecycle(t *testing.T) {
	db := storage.NewDB()
	si := NewSlotImport(db)

	require.NoError(t, si.Start(1234))
	assert.Error(t, si.Start(42)) // one import at a time
	require.NoError(t, si.Success(1234))
	assert.Contains(t, si.GetImportInfo(), "import_state: success")

	// a new import may start after the previous one finished
	require.NoError(t, si.Start(42))
	require.NoError(t, si.Fail(42))
	assert.Contains(t, si.GetImportInfo(), "import_state: failed")
}

func TestImportStartClearsStaleKeys(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	require.NoError(t, w.Set("foo", "stale", 0))
	slot := hashkit.Slot([]byte("foo"))

	si := NewSlotImport(db)
	require.NoError(t, si.Start(slot))
	assert.Nil(t, db.Get(storage.CFMetadata, storage.EncodeMetadataKey(slot, []byte("foo"))))
}

func TestImportFailDropsPartialCopy(t *testing.T) {
	db := storage.NewDB()
	si := NewSlotImport(db)
	slot := hashkit.Slot([]byte("foo"))
	require.NoError(t, si.Start(slot))

	w := storage.NewWriter(db)
	require.NoError(t, w.Set("foo", "partial", 0))
	require.NoError(t, si.Fail(slot))
	assert.Nil(t, db.Get(storage.CFMetadata, storage.EncodeMetadataKey(slot, []byte("foo"))))
}

func TestImportWrongSlotRejected(t *testing.T) {
	db := storage.NewDB()
	si := NewSlotImport(db)
	require.NoError(t, si.Start(7))
	assert.Error(t, si.Success(8))
	assert.Error(t, si.Fail(8))
}

func TestImportStopForLinkError(t *testing.T) {
	db := storage.NewDB()
	w := storage.NewWriter(db)
	require.NoError(t, w.Set("foo", "partial", 0))
	slot := hashkit.Slot([]byte("foo"))

	si := NewSlotImport(db)
	// idle tracker: nothing to stop
	require.NoError(t, si.StopForLinkError(false))

	require.NoError(t, si.Start(slot))
	require.NoError(t, w.Set("foo", "partial", 0))
	require.NoError(t, si.StopForLinkError(false))
	assert.Nil(t, db.Get(storage.CFMetadata, storage.EncodeMetadataKey(slot, []byte("foo"))))

	// on a replica the partial copy is left for replication to overwrite
	require.NoError(t, si.Start(slot))
	require.NoError(t, w.Set("foo", "partial", 0))
	require.NoError(t, si.StopForLinkError(true))
	assert.NotNil(t, db.Get(storage.CFMetadata, storage.EncodeMetadataKey(slot, []byte("foo"))))
}
