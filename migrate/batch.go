package migrate

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/supriza/kvrocks/pkg/prom"
	"github.com/supriza/kvrocks/storage"
)

// raw batch entry ops
const (
	rawOpPut byte = iota
	rawOpDelete
	rawOpLogData
)

// applyBatchCmd carries one encoded batch as its single bulk argument; the
// destination applies the batch atomically and replies +OK.
const applyBatchCmd = "APPLYBATCH"

// BatchSender accumulates raw key/value operations into size-bounded
// batches and ships them under a byte/s budget. Both the size threshold and
// the budget may change between flushes.
type BatchSender struct {
	cli *dstClient

	mu       sync.Mutex
	buf      []byte
	entries  int
	maxBytes int
	limiter  *rate.Limiter

	sentBytes   uint64
	sentBatches uint64
	sentEntries uint64
	start       time.Time
}

// NewBatchSender creates a sender over the destination session.
// bytesPerSec <= 0 means unlimited.
func NewBatchSender(cli *dstClient, maxBytes, bytesPerSec int) *BatchSender {
	if maxBytes <= 0 {
		maxBytes = 16 * 1024
	}
	bs := &BatchSender{cli: cli, maxBytes: maxBytes, start: time.Now()}
	bs.limiter = rate.NewLimiter(rate.Inf, 0)
	bs.setRate(bytesPerSec)
	return bs
}

func (b *BatchSender) setRate(bytesPerSec int) {
	if bytesPerSec <= 0 {
		b.limiter.SetLimit(rate.Inf)
		b.limiter.SetBurst(0)
		return
	}
	b.limiter.SetLimit(rate.Limit(bytesPerSec))
	b.limiter.SetBurst(bytesPerSec)
}

// SetMaxBytes updates the flush threshold, applied at the next append.
func (b *BatchSender) SetMaxBytes(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.maxBytes = n
	b.mu.Unlock()
}

// SetBytesPerSecond updates the byte/s budget, applied at the next flush.
// n <= 0 lifts the limit.
func (b *BatchSender) SetBytesPerSecond(n int) {
	b.mu.Lock()
	b.setRate(n)
	b.mu.Unlock()
}

func (b *BatchSender) appendEntry(op byte, cf storage.ColumnFamilyID, key, val []byte) error {
	b.mu.Lock()
	b.buf = append(b.buf, op, byte(cf))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(key)))
	b.buf = append(b.buf, key...)
	b.buf = binary.AppendUvarint(b.buf, uint64(len(val)))
	b.buf = append(b.buf, val...)
	b.entries++
	full := len(b.buf) >= b.maxBytes
	b.mu.Unlock()
	if full {
		return b.Flush()
	}
	return nil
}

// PutRaw queues one put.
func (b *BatchSender) PutRaw(cf storage.ColumnFamilyID, key, val []byte) error {
	return b.appendEntry(rawOpPut, cf, key, val)
}

// DeleteRaw queues one single-key deletion.
func (b *BatchSender) DeleteRaw(cf storage.ColumnFamilyID, key []byte) error {
	return b.appendEntry(rawOpDelete, cf, key, nil)
}

// PutLogData queues the per-batch marker.
func (b *BatchSender) PutLogData(data []byte) error {
	return b.appendEntry(rawOpLogData, 0, data, nil)
}

// Flush ships the pending batch and waits for its acknowledgement.
func (b *BatchSender) Flush() error {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return nil
	}
	payload := b.buf
	entries := b.entries
	b.buf, b.entries = nil, 0
	b.mu.Unlock()

	if err := b.waitQuota(len(payload)); err != nil {
		return err
	}
	if b.cli.stopped() {
		return errors.WithStack(ErrCanceled)
	}
	if err := b.cli.call(applyBatchCmd, string(payload)); err != nil {
		return errors.Wrap(err, "apply batch")
	}
	b.mu.Lock()
	b.sentBytes += uint64(len(payload))
	b.sentBatches++
	b.sentEntries += uint64(entries)
	b.mu.Unlock()
	prom.MigrateBytesAdd(float64(len(payload)))
	prom.MigrateBatchIncr()
	return nil
}

func (b *BatchSender) waitQuota(n int) error {
	b.mu.Lock()
	lim := b.limiter
	b.mu.Unlock()
	if lim.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		step := n
		if burst := lim.Burst(); step > burst {
			step = burst
		}
		if err := lim.WaitN(context.Background(), step); err != nil {
			return errors.WithStack(err)
		}
		n -= step
	}
	return nil
}

// SenderStats is a point-in-time view of the sender counters.
type SenderStats struct {
	Bytes   uint64
	Batches uint64
	Entries uint64
	Rate    float64 // bytes per second since creation
}

// Stats returns the counters.
func (b *BatchSender) Stats() SenderStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := SenderStats{Bytes: b.sentBytes, Batches: b.sentBatches, Entries: b.sentEntries}
	if el := time.Since(b.start).Seconds(); el > 0 {
		s.Rate = float64(b.sentBytes) / el
	}
	return s
}

// DecodeBatch parses one batch payload back into WAL items.
func DecodeBatch(payload []byte) ([]storage.WALItem, error) {
	var items []storage.WALItem
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, errors.New("truncated batch entry header")
		}
		op, cf := payload[0], payload[1]
		payload = payload[2:]
		key, rest, err := readChunk(payload)
		if err != nil {
			return nil, err
		}
		val, rest, err := readChunk(rest)
		if err != nil {
			return nil, err
		}
		payload = rest
		item := storage.WALItem{CF: storage.ColumnFamilyID(cf), Key: key, Value: val}
		switch op {
		case rawOpPut:
			item.Type = storage.WALItemPut
		case rawOpDelete:
			item.Type = storage.WALItemDelete
			item.Value = nil
		case rawOpLogData:
			item.Type = storage.WALItemLogData
			item.Value = nil
		default:
			return nil, errors.Errorf("unknown batch entry op %d", op)
		}
		items = append(items, item)
	}
	return items, nil
}

func readChunk(b []byte) (chunk, rest []byte, err error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return nil, nil, errors.New("truncated batch entry")
	}
	return b[n : n+int(l)], b[n+int(l):], nil
}

// ApplyBatch applies one batch payload to the engine as a single atomic
// write. Destination-side counterpart of the sender.
func ApplyBatch(db *storage.DB, payload []byte) error {
	items, err := DecodeBatch(payload)
	if err != nil {
		return err
	}
	wb := storage.NewWriteBatch()
	for _, item := range items {
		switch item.Type {
		case storage.WALItemPut:
			wb.Put(item.CF, item.Key, item.Value)
		case storage.WALItemDelete:
			wb.Delete(item.CF, item.Key)
		case storage.WALItemLogData:
			wb.PutLogData(item.Key)
		}
	}
	return db.Write(wb)
}
