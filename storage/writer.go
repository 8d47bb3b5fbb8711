package storage

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/pkg/hashkit"
)

// list indexes grow from the middle so LPUSH can extend downwards
const listMiddleIndex = uint64(1) << 32

// BitmapFragmentBytes is the size of one stored bitmap fragment.
const BitmapFragmentBytes = 1024

// errors
var (
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Writer is the thin type layer over the engine: it lays out metadata,
// subkeys and log-data markers exactly as the server would, so every
// mutation is observable through the WAL. Tests and tooling use it to
// populate a source node.
type Writer struct {
	db *DB
	vc atomic.Uint64
}

// NewWriter creates a Writer over the given engine.
func NewWriter(db *DB) *Writer {
	return &Writer{db: db}
}

// DB returns the underlying engine.
func (w *Writer) DB() *DB {
	return w.db
}

func (w *Writer) newVersion() uint64 {
	return w.vc.Add(1)
}

func (w *Writer) metaCell(key string) (slot int, mkey, raw []byte) {
	slot = hashkit.Slot([]byte(key))
	mkey = EncodeMetadataKey(slot, []byte(key))
	raw = w.db.Get(CFMetadata, mkey)
	return
}

// Set stores a string value, expireMs 0 meaning no TTL.
func (w *Writer) Set(key, value string, expireMs int64) error {
	_, mkey, _ := w.metaCell(key)
	md := Metadata{Type: TypeString, Expire: expireMs, Version: w.newVersion()}
	cell := md.Encode(nil)
	cell = append(cell, value...)
	b := NewWriteBatch()
	ld := LogData{Type: TypeString}
	b.PutLogData(ld.Encode())
	b.Put(CFMetadata, mkey, cell)
	return w.db.Write(b)
}

// Del removes the key's metadata; stale subkeys are left for compaction,
// matching how the server deletes composite keys.
func (w *Writer) Del(key string) error {
	_, mkey, raw := w.metaCell(key)
	if raw == nil {
		return nil
	}
	md, _, err := DecodeMetadata(raw)
	if err != nil {
		return err
	}
	b := NewWriteBatch()
	ld := LogData{Type: md.Type}
	b.PutLogData(ld.Encode())
	b.Delete(CFMetadata, mkey)
	return w.db.Write(b)
}

// PExpireAt rewrites the key's expiration in milliseconds since epoch.
func (w *Writer) PExpireAt(key string, ms int64) error {
	_, mkey, raw := w.metaCell(key)
	if raw == nil {
		return errors.Errorf("no such key %q", key)
	}
	md, _, err := DecodeMetadata(raw)
	if err != nil {
		return err
	}
	md.Expire = ms
	cell := md.Encode(nil)
	cell = append(cell, raw[metadataHeaderLen:]...)
	b := NewWriteBatch()
	ld := LogData{Type: md.Type, Args: []string{"pexpireat", strconv.FormatInt(ms, 10)}}
	b.PutLogData(ld.Encode())
	b.Put(CFMetadata, mkey, cell)
	return w.db.Write(b)
}

func (w *Writer) loadListMeta(key string) (md ListMetadata, mkey []byte, err error) {
	_, mkey, raw := w.metaCell(key)
	if raw == nil {
		md = ListMetadata{
			Metadata: Metadata{Type: TypeList, Version: w.newVersion()},
			Head:     listMiddleIndex,
			Tail:     listMiddleIndex,
		}
		return
	}
	md, err = DecodeListMetadata(raw)
	if err == nil && md.Type != TypeList {
		err = errors.WithStack(ErrWrongType)
	}
	return
}

// RPush appends elements to the tail of a list.
func (w *Writer) RPush(key string, elems ...string) error {
	return w.push(key, "rpush", elems)
}

// LPush prepends elements to the head of a list.
func (w *Writer) LPush(key string, elems ...string) error {
	return w.push(key, "lpush", elems)
}

func (w *Writer) push(key, cmd string, elems []string) error {
	md, mkey, err := w.loadListMeta(key)
	if err != nil {
		return err
	}
	slot := hashkit.Slot([]byte(key))
	b := NewWriteBatch()
	ld := LogData{Type: TypeList, Args: []string{cmd}}
	b.PutLogData(ld.Encode())
	for _, e := range elems {
		var idx uint64
		if cmd == "rpush" {
			idx = md.Tail
			md.Tail++
		} else {
			md.Head--
			idx = md.Head
		}
		var sub [8]byte
		binary.BigEndian.PutUint64(sub[:], idx)
		b.Put(CFDefault, EncodeSubkey(slot, []byte(key), md.Version, sub[:]), []byte(e))
		md.Size++
	}
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}

func (w *Writer) loadMeta(key string, typ RedisType) (md Metadata, mkey []byte, err error) {
	_, mkey, raw := w.metaCell(key)
	if raw == nil {
		md = Metadata{Type: typ, Version: w.newVersion()}
		return
	}
	md, _, err = DecodeMetadata(raw)
	if err == nil && md.Type != typ {
		err = errors.WithStack(ErrWrongType)
	}
	return
}

// HSet stores field/value pairs of a hash.
func (w *Writer) HSet(key string, fvs ...string) error {
	if len(fvs)%2 != 0 {
		return errors.New("HSet requires field/value pairs")
	}
	md, mkey, err := w.loadMeta(key, TypeHash)
	if err != nil {
		return err
	}
	slot := hashkit.Slot([]byte(key))
	b := NewWriteBatch()
	ld := LogData{Type: TypeHash}
	b.PutLogData(ld.Encode())
	for i := 0; i < len(fvs); i += 2 {
		sk := EncodeSubkey(slot, []byte(key), md.Version, []byte(fvs[i]))
		if w.db.Get(CFDefault, sk) == nil {
			md.Size++
		}
		b.Put(CFDefault, sk, []byte(fvs[i+1]))
	}
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}

// SAdd stores set members.
func (w *Writer) SAdd(key string, members ...string) error {
	md, mkey, err := w.loadMeta(key, TypeSet)
	if err != nil {
		return err
	}
	slot := hashkit.Slot([]byte(key))
	b := NewWriteBatch()
	ld := LogData{Type: TypeSet}
	b.PutLogData(ld.Encode())
	for _, m := range members {
		sk := EncodeSubkey(slot, []byte(key), md.Version, []byte(m))
		if w.db.Get(CFDefault, sk) == nil {
			md.Size++
		}
		b.Put(CFDefault, sk, nil)
	}
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}

// ZAdd stores one scored member of a sorted set.
func (w *Writer) ZAdd(key string, score float64, member string) error {
	md, mkey, err := w.loadMeta(key, TypeZSet)
	if err != nil {
		return err
	}
	slot := hashkit.Slot([]byte(key))
	var sv [8]byte
	binary.BigEndian.PutUint64(sv[:], math.Float64bits(score))
	b := NewWriteBatch()
	ld := LogData{Type: TypeZSet}
	b.PutLogData(ld.Encode())
	sk := EncodeSubkey(slot, []byte(key), md.Version, []byte(member))
	if w.db.Get(CFDefault, sk) == nil {
		md.Size++
	}
	b.Put(CFDefault, sk, sv[:])
	scoreKey := append(append([]byte(nil), sv[:]...), member...)
	b.Put(CFZSetScore, EncodeSubkey(slot, []byte(key), md.Version, scoreKey), nil)
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}

// SiAdd stores sorted integer ids.
func (w *Writer) SiAdd(key string, ids ...uint64) error {
	md, mkey, err := w.loadMeta(key, TypeSortedint)
	if err != nil {
		return err
	}
	slot := hashkit.Slot([]byte(key))
	b := NewWriteBatch()
	ld := LogData{Type: TypeSortedint}
	b.PutLogData(ld.Encode())
	for _, id := range ids {
		var sub [8]byte
		binary.BigEndian.PutUint64(sub[:], id)
		sk := EncodeSubkey(slot, []byte(key), md.Version, sub[:])
		if w.db.Get(CFDefault, sk) == nil {
			md.Size++
		}
		b.Put(CFDefault, sk, nil)
	}
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}

// SetBit sets the bit at the given global offset to 1.
func (w *Writer) SetBit(key string, offset uint64) error {
	md, mkey, err := w.loadMeta(key, TypeBitmap)
	if err != nil {
		return err
	}
	slot := hashkit.Slot([]byte(key))
	fragStart := offset / 8 / BitmapFragmentBytes * BitmapFragmentBytes
	sub := []byte(strconv.FormatUint(fragStart, 10))
	sk := EncodeSubkey(slot, []byte(key), md.Version, sub)
	frag := append([]byte(nil), w.db.Get(CFDefault, sk)...)
	byteIdx := offset/8 - fragStart
	for uint64(len(frag)) <= byteIdx {
		frag = append(frag, 0)
	}
	frag[byteIdx] |= 1 << (offset % 8)
	if offset+1 > md.Size {
		md.Size = offset + 1
	}
	b := NewWriteBatch()
	ld := LogData{Type: TypeBitmap}
	b.PutLogData(ld.Encode())
	b.Put(CFDefault, sk, frag)
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}

func (w *Writer) loadStreamMeta(key string) (md StreamMetadata, mkey []byte, err error) {
	_, mkey, raw := w.metaCell(key)
	if raw == nil {
		md = StreamMetadata{Metadata: Metadata{Type: TypeStream, Version: w.newVersion()}}
		return
	}
	md, err = DecodeStreamMetadata(raw)
	if err == nil && md.Type != TypeStream {
		err = errors.WithStack(ErrWrongType)
	}
	return
}

// XAdd appends one entry to a stream.
func (w *Writer) XAdd(key string, id StreamEntryID, fvs ...string) error {
	if len(fvs)%2 != 0 {
		return errors.New("XAdd requires field/value pairs")
	}
	md, mkey, err := w.loadStreamMeta(key)
	if err != nil {
		return err
	}
	slot := hashkit.Slot([]byte(key))
	b := NewWriteBatch()
	ld := LogData{Type: TypeStream}
	b.PutLogData(ld.Encode())
	b.Put(CFStream, EncodeSubkey(slot, []byte(key), md.Version, id.Encode(nil)), EncodeStreamEntryValue(fvs))
	md.LastGeneratedID = id
	md.EntriesAdded++
	md.Size++
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}

// XSetID rewrites the stream bookkeeping counters.
func (w *Writer) XSetID(key string, last, maxDeleted StreamEntryID, entriesAdded uint64) error {
	md, mkey, err := w.loadStreamMeta(key)
	if err != nil {
		return err
	}
	md.LastGeneratedID = last
	md.MaxDeletedEntryID = maxDeleted
	md.EntriesAdded = entriesAdded
	b := NewWriteBatch()
	ld := LogData{Type: TypeStream}
	b.PutLogData(ld.Encode())
	b.Put(CFMetadata, mkey, md.Encode(nil))
	return w.db.Write(b)
}
