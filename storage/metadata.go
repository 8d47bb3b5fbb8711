package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// errors
var (
	ErrShortMetadata = errors.New("encoded metadata is too short")
)

const metadataHeaderLen = 1 + 8 + 8 + 8

// Metadata is the per-key header stored in the metadata column family.
// For string keys the value payload follows the header in the same cell.
type Metadata struct {
	Type    RedisType
	Expire  int64 // unix milliseconds, 0 means no expiration
	Version uint64
	Size    uint64
}

// Encode appends the binary header to dst and returns it.
func (m *Metadata) Encode(dst []byte) []byte {
	var b [metadataHeaderLen]byte
	b[0] = byte(m.Type)
	binary.BigEndian.PutUint64(b[1:9], uint64(m.Expire))
	binary.BigEndian.PutUint64(b[9:17], m.Version)
	binary.BigEndian.PutUint64(b[17:25], m.Size)
	return append(dst, b[:]...)
}

// DecodeMetadata parses the header of a metadata cell and returns it with
// the offset at which the inline payload (string values) starts.
func DecodeMetadata(raw []byte) (md Metadata, payload int, err error) {
	if len(raw) < metadataHeaderLen {
		err = errors.WithStack(ErrShortMetadata)
		return
	}
	md.Type = RedisType(raw[0])
	md.Expire = int64(binary.BigEndian.Uint64(raw[1:9]))
	md.Version = binary.BigEndian.Uint64(raw[9:17])
	md.Size = binary.BigEndian.Uint64(raw[17:25])
	payload = metadataHeaderLen
	return
}

// Expired reports whether the key was dead at the given time.
func (m *Metadata) Expired(now time.Time) bool {
	return m.Expire > 0 && m.Expire <= now.UnixMilli()
}

// ListMetadata extends Metadata with the index window of a list. Elements
// live at consecutive 8-byte big-endian indexes in [Head, Tail).
type ListMetadata struct {
	Metadata
	Head uint64
	Tail uint64
}

// Encode appends header plus list extras.
func (m *ListMetadata) Encode(dst []byte) []byte {
	dst = m.Metadata.Encode(dst)
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], m.Head)
	binary.BigEndian.PutUint64(b[8:], m.Tail)
	return append(dst, b[:]...)
}

// DecodeListMetadata parses a list metadata cell.
func DecodeListMetadata(raw []byte) (md ListMetadata, err error) {
	var off int
	md.Metadata, off, err = DecodeMetadata(raw)
	if err != nil {
		return
	}
	if len(raw) < off+16 {
		err = errors.WithStack(ErrShortMetadata)
		return
	}
	md.Head = binary.BigEndian.Uint64(raw[off : off+8])
	md.Tail = binary.BigEndian.Uint64(raw[off+8 : off+16])
	return
}

// StreamEntryID is a stream entry identifier.
type StreamEntryID struct {
	Ms  uint64
	Seq uint64
}

// String formats the id the way redis prints it.
func (id StreamEntryID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// Encode appends the fixed binary form, which sorts in entry order.
func (id StreamEntryID) Encode(dst []byte) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], id.Ms)
	binary.BigEndian.PutUint64(b[8:], id.Seq)
	return append(dst, b[:]...)
}

// DecodeStreamEntryID parses the fixed binary form.
func DecodeStreamEntryID(raw []byte) (id StreamEntryID, err error) {
	if len(raw) != 16 {
		err = errors.Errorf("stream entry id must be 16 bytes, got %d", len(raw))
		return
	}
	id.Ms = binary.BigEndian.Uint64(raw[:8])
	id.Seq = binary.BigEndian.Uint64(raw[8:])
	return
}

// StreamMetadata extends Metadata with the stream bookkeeping restored by
// XSETID on the destination.
type StreamMetadata struct {
	Metadata
	LastGeneratedID   StreamEntryID
	MaxDeletedEntryID StreamEntryID
	EntriesAdded      uint64
}

// Encode appends header plus stream extras.
func (m *StreamMetadata) Encode(dst []byte) []byte {
	dst = m.Metadata.Encode(dst)
	dst = m.LastGeneratedID.Encode(dst)
	dst = m.MaxDeletedEntryID.Encode(dst)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], m.EntriesAdded)
	return append(dst, b[:]...)
}

// DecodeStreamMetadata parses a stream metadata cell.
func DecodeStreamMetadata(raw []byte) (md StreamMetadata, err error) {
	var off int
	md.Metadata, off, err = DecodeMetadata(raw)
	if err != nil {
		return
	}
	if len(raw) < off+16+16+8 {
		err = errors.WithStack(ErrShortMetadata)
		return
	}
	if md.LastGeneratedID, err = DecodeStreamEntryID(raw[off : off+16]); err != nil {
		return
	}
	if md.MaxDeletedEntryID, err = DecodeStreamEntryID(raw[off+16 : off+32]); err != nil {
		return
	}
	md.EntriesAdded = binary.BigEndian.Uint64(raw[off+32 : off+40])
	return
}

// EncodeStreamEntryValue packs the field/value pairs of one stream entry.
func EncodeStreamEntryValue(fvs []string) []byte {
	var b []byte
	b = binary.AppendUvarint(b, uint64(len(fvs)))
	for _, s := range fvs {
		b = binary.AppendUvarint(b, uint64(len(s)))
		b = append(b, s...)
	}
	return b
}

// DecodeStreamEntryValue unpacks the field/value pairs of one stream entry.
func DecodeStreamEntryValue(raw []byte) (fvs []string, err error) {
	n, off := binary.Uvarint(raw)
	if off <= 0 {
		return nil, errors.New("malformed stream entry value")
	}
	for i := uint64(0); i < n; i++ {
		l, m := binary.Uvarint(raw[off:])
		if m <= 0 || off+m+int(l) > len(raw) {
			return nil, errors.New("malformed stream entry value")
		}
		off += m
		fvs = append(fvs, string(raw[off:off+int(l)]))
		off += int(l)
	}
	return
}
