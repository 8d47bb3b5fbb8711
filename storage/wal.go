package storage

import (
	"github.com/pkg/errors"
)

// errors
var (
	ErrWALIterInvalid = errors.New("wal iterator is invalid")
)

// WriteBatch collects operations that are applied and logged atomically.
type WriteBatch struct {
	items []WALItem
}

// NewWriteBatch creates an empty batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

// Put records a put of key/value into the given column family.
func (b *WriteBatch) Put(cf ColumnFamilyID, key, value []byte) {
	b.items = append(b.items, WALItem{Type: WALItemPut, CF: cf, Key: key, Value: value})
}

// Delete records a single key deletion.
func (b *WriteBatch) Delete(cf ColumnFamilyID, key []byte) {
	b.items = append(b.items, WALItem{Type: WALItemDelete, CF: cf, Key: key})
}

// DeleteRange records a half-open [begin, end) range deletion.
func (b *WriteBatch) DeleteRange(cf ColumnFamilyID, begin, end []byte) {
	b.items = append(b.items, WALItem{Type: WALItemDeleteRange, CF: cf, Key: begin, Value: end})
}

// PutLogData records an opaque marker. Markers do not consume sequence
// numbers; the type layer uses them to tag batches with the logical
// command that produced them.
func (b *WriteBatch) PutLogData(data []byte) {
	b.items = append(b.items, WALItem{Type: WALItemLogData, Key: data})
}

// Count returns the number of sequence-consuming operations.
func (b *WriteBatch) Count() uint64 {
	var n uint64
	for _, it := range b.items {
		if it.Type != WALItemLogData {
			n++
		}
	}
	return n
}

// Items returns the recorded operations in order.
func (b *WriteBatch) Items() []WALItem {
	return b.items
}

// WALBatch is one committed batch as observed through the WAL.
type WALBatch struct {
	// Sequence is the sequence number of the first operation in the batch.
	Sequence uint64
	Items    []WALItem
}

// Count returns the number of sequence-consuming operations.
func (wb *WALBatch) Count() uint64 {
	var n uint64
	for _, it := range wb.Items {
		if it.Type != WALItemLogData {
			n++
		}
	}
	return n
}

// WALIterator walks committed batches in sequence order.
type WALIterator struct {
	batches []WALBatch
	pos     int
}

// Valid reports whether the iterator points at a batch.
func (it *WALIterator) Valid() bool {
	return it.pos < len(it.batches)
}

// Batch returns the current batch.
func (it *WALIterator) Batch() WALBatch {
	return it.batches[it.pos]
}

// Next advances to the following batch.
func (it *WALIterator) Next() {
	it.pos++
}

// SlotWALIterator yields only the WAL items touching one slot, in
// sequence order, with the log-data marker of each contributing batch
// replayed ahead of its items.
type SlotWALIterator struct {
	items   []WALItem
	nextSeq []uint64 // sequence number following each yielded item
	pos     int
}

// Valid reports whether the iterator points at an item.
func (it *SlotWALIterator) Valid() bool {
	return it.pos < len(it.items)
}

// Item returns the current WAL item.
func (it *SlotWALIterator) Item() WALItem {
	return it.items[it.pos]
}

// NextSequenceNumber returns the sequence number the next operation
// after the current item would carry.
func (it *SlotWALIterator) NextSequenceNumber() uint64 {
	return it.nextSeq[it.pos]
}

// Next advances to the following item.
func (it *SlotWALIterator) Next() {
	it.pos++
}
