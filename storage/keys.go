package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// errors
var (
	ErrShortKey = errors.New("encoded key is too short")
)

// SlotKeyPrefix returns the metadata key prefix shared by every key of the
// given slot. Metadata keys sort by slot first, so one prefix seek covers a
// whole slot.
func SlotKeyPrefix(slot int) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(slot))
	return b[:]
}

// EncodeMetadataKey composes the metadata column family key for a user key.
func EncodeMetadataKey(slot int, userKey []byte) []byte {
	b := make([]byte, 0, 2+len(userKey))
	b = append(b, SlotKeyPrefix(slot)...)
	b = append(b, userKey...)
	return b
}

// DecodeMetadataKey splits a metadata key into slot and user key.
func DecodeMetadataKey(key []byte) (slot int, userKey []byte, err error) {
	if len(key) < 2 {
		return 0, nil, errors.WithStack(ErrShortKey)
	}
	return int(binary.BigEndian.Uint16(key[:2])), key[2:], nil
}

// EncodeSubkeyPrefix composes the internal key prefix under which all
// subkeys of one version of a composite key sort.
func EncodeSubkeyPrefix(slot int, userKey []byte, version uint64) []byte {
	b := make([]byte, 0, 2+2+len(userKey)+8)
	b = append(b, SlotKeyPrefix(slot)...)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(userKey)))
	b = append(b, l[:]...)
	b = append(b, userKey...)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], version)
	b = append(b, v[:]...)
	return b
}

// EncodeSubkey composes the full internal key of one subkey.
func EncodeSubkey(slot int, userKey []byte, version uint64, subkey []byte) []byte {
	b := EncodeSubkeyPrefix(slot, userKey, version)
	return append(b, subkey...)
}

// InternalKey is a decoded composite subkey.
type InternalKey struct {
	Slot    int
	UserKey []byte
	Version uint64
	SubKey  []byte
}

// DecodeSubkey parses an internal key back into its parts.
func DecodeSubkey(key []byte) (ik InternalKey, err error) {
	if len(key) < 2+2+8 {
		err = errors.WithStack(ErrShortKey)
		return
	}
	ik.Slot = int(binary.BigEndian.Uint16(key[:2]))
	klen := int(binary.BigEndian.Uint16(key[2:4]))
	if len(key) < 4+klen+8 {
		err = errors.WithStack(ErrShortKey)
		return
	}
	ik.UserKey = key[4 : 4+klen]
	ik.Version = binary.BigEndian.Uint64(key[4+klen : 4+klen+8])
	ik.SubKey = key[4+klen+8:]
	return
}

// KeySlot extracts the slot id encoded at the head of either a metadata
// key or an internal subkey.
func KeySlot(key []byte) (int, error) {
	if len(key) < 2 {
		return -1, errors.WithStack(ErrShortKey)
	}
	return int(binary.BigEndian.Uint16(key[:2])), nil
}
