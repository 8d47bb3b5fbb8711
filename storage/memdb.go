package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// errors
var (
	ErrSnapshotReleased = errors.New("snapshot already released")
)

const numColumnFamilies = 4

// DB is the in-memory engine: column families of sorted key/value cells
// plus a write-ahead log totally ordered by sequence number. Writers are
// cheap; snapshots copy, which is acceptable at test and tooling scale.
type DB struct {
	mu   sync.RWMutex
	excl sync.RWMutex // client writes hold RLock, the exclusivity guard holds Lock

	cfs    [numColumnFamilies]map[string][]byte
	wal    []WALBatch
	latest uint64

	snapsOutstanding int
}

// NewDB creates an empty engine.
func NewDB() *DB {
	db := &DB{}
	for i := range db.cfs {
		db.cfs[i] = make(map[string][]byte)
	}
	return db
}

// Write applies the batch atomically and appends it to the WAL. It blocks
// while the write exclusivity guard is held.
func (db *DB) Write(b *WriteBatch) error {
	db.excl.RLock()
	defer db.excl.RUnlock()
	db.mu.Lock()
	defer db.mu.Unlock()

	count := b.Count()
	if count == 0 {
		return nil
	}
	for _, it := range b.items {
		switch it.Type {
		case WALItemPut:
			db.cfs[it.CF][string(it.Key)] = append([]byte(nil), it.Value...)
		case WALItemDelete:
			delete(db.cfs[it.CF], string(it.Key))
		case WALItemDeleteRange:
			for k := range db.cfs[it.CF] {
				if k >= string(it.Key) && (len(it.Value) == 0 || k < string(it.Value)) {
					delete(db.cfs[it.CF], k)
				}
			}
		case WALItemLogData:
			// marker only
		}
	}
	wb := WALBatch{Sequence: db.latest + 1, Items: append([]WALItem(nil), b.items...)}
	db.wal = append(db.wal, wb)
	db.latest += count
	return nil
}

// WithWriteExclusivity runs fn while all client writes are paused.
func (db *DB) WithWriteExclusivity(fn func()) {
	db.excl.Lock()
	defer db.excl.Unlock()
	fn()
}

// LatestSequenceNumber returns the sequence of the last applied operation.
func (db *DB) LatestSequenceNumber() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.latest
}

// Get reads one cell, nil when absent.
func (db *DB) Get(cf ColumnFamilyID, key []byte) []byte {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.cfs[cf][string(key)]
	if !ok {
		return nil
	}
	return append([]byte(nil), v...)
}

// Snapshot is a pinned read view at a fixed sequence number.
type Snapshot struct {
	db       *DB
	seq      uint64
	cfs      [numColumnFamilies]map[string][]byte
	released bool
}

// GetSnapshot pins a read view. Pinning does not block writers.
func (db *DB) GetSnapshot() *Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s := &Snapshot{db: db, seq: db.latest}
	for i := range db.cfs {
		m := make(map[string][]byte, len(db.cfs[i]))
		for k, v := range db.cfs[i] {
			m[k] = v
		}
		s.cfs[i] = m
	}
	db.snapsOutstanding++
	return s
}

// ReleaseSnapshot drops the view. Releasing twice is an error.
func (db *DB) ReleaseSnapshot(s *Snapshot) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if s.released {
		return errors.WithStack(ErrSnapshotReleased)
	}
	s.released = true
	db.snapsOutstanding--
	return nil
}

// SnapshotsOutstanding reports how many pinned snapshots have not been
// released yet.
func (db *DB) SnapshotsOutstanding() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.snapsOutstanding
}

// SequenceNumber returns the sequence at which the snapshot was pinned.
func (s *Snapshot) SequenceNumber() uint64 {
	return s.seq
}

// Iterator walks one column family of a snapshot in key order.
type Iterator struct {
	keys []string
	data map[string][]byte
	pos  int
}

// NewIterator creates an iterator over one column family of the snapshot.
func (s *Snapshot) NewIterator(cf ColumnFamilyID) *Iterator {
	keys := make([]string, 0, len(s.cfs[cf]))
	for k := range s.cfs[cf] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Iterator{keys: keys, data: s.cfs[cf]}
}

// Seek positions at the first key >= prefix.
func (it *Iterator) Seek(prefix []byte) {
	it.pos = sort.SearchStrings(it.keys, string(prefix))
}

// Valid reports whether the iterator points at a cell.
func (it *Iterator) Valid() bool {
	return it.pos < len(it.keys)
}

// Next advances one cell.
func (it *Iterator) Next() {
	it.pos++
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	return []byte(it.keys[it.pos])
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	return it.data[it.keys[it.pos]]
}

// GetWALIter opens a WAL tail iterator positioned at the batch containing
// the given sequence number.
func (db *DB) GetWALIter(seq uint64) (*WALIterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	idx := sort.Search(len(db.wal), func(i int) bool {
		wb := &db.wal[i]
		return wb.Sequence+wb.Count() > seq
	})
	if idx == len(db.wal) {
		return nil, errors.Wrapf(ErrWALIterInvalid, "no batch holds sequence %d", seq)
	}
	tail := make([]WALBatch, len(db.wal)-idx)
	copy(tail, db.wal[idx:])
	return &WALIterator{batches: tail}, nil
}

// NewSlotWALIterator opens a WAL tail that yields only items touching the
// given slot, starting at the batch containing seq. Log-data markers of
// contributing batches are replayed ahead of their items.
func (db *DB) NewSlotWALIterator(slot int, seq uint64) (*SlotWALIterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	it := &SlotWALIterator{}
	for i := range db.wal {
		wb := &db.wal[i]
		if wb.Sequence+wb.Count() <= seq {
			continue
		}
		touches := false
		for _, item := range wb.Items {
			if item.Type == WALItemLogData {
				continue
			}
			if s, err := KeySlot(item.Key); err == nil && s == slot {
				touches = true
				break
			}
		}
		cursor := wb.Sequence
		for _, item := range wb.Items {
			if item.Type != WALItemLogData {
				cursor++
			}
			if !touches {
				continue
			}
			switch item.Type {
			case WALItemLogData:
				it.items = append(it.items, item)
				it.nextSeq = append(it.nextSeq, cursor)
			case WALItemPut, WALItemDelete:
				if s, err := KeySlot(item.Key); err == nil && s == slot {
					it.items = append(it.items, item)
					it.nextSeq = append(it.nextSeq, cursor)
				}
			case WALItemDeleteRange:
				// may cross slots; kept in the stream so the sender can
				// decide to drop it
				it.items = append(it.items, item)
				it.nextSeq = append(it.nextSeq, cursor)
			}
		}
	}
	return it, nil
}

// ClearKeysOfSlot removes every key of the slot across all column
// families. The deletion is logged as one DeleteRange per column family.
func (db *DB) ClearKeysOfSlot(slot int) error {
	prefix := SlotKeyPrefix(slot)
	end := SlotKeyPrefix(slot + 1)
	if slot+1 >= 1<<16 {
		end = nil
	}
	b := NewWriteBatch()
	for cf := range db.cfs {
		b.DeleteRange(ColumnFamilyID(cf), prefix, end)
	}
	return db.Write(b)
}
