// Package storage is the engine adapter consumed by the slot migration
// core: pinned snapshots, column family iterators, a totally ordered WAL
// with plain and slot-filtered tail iterators, and a process wide write
// exclusivity guard. The in-memory implementation backs tests and tooling.
package storage

// ColumnFamilyID identifies one column family of the engine.
type ColumnFamilyID byte

// column families
const (
	CFDefault ColumnFamilyID = iota // subkeys of composite types
	CFMetadata
	CFZSetScore
	CFStream
)

// RedisType is the logical type tag stored in key metadata.
type RedisType byte

// redis types
const (
	TypeNone RedisType = iota
	TypeString
	TypeHash
	TypeList
	TypeSet
	TypeZSet
	TypeBitmap
	TypeSortedint
	TypeStream
)

var typeNames = [...]string{
	TypeNone:      "none",
	TypeString:    "string",
	TypeHash:      "hash",
	TypeList:      "list",
	TypeSet:       "set",
	TypeZSet:      "zset",
	TypeBitmap:    "bitmap",
	TypeSortedint: "sortedint",
	TypeStream:    "stream",
}

// String implementation.
func (t RedisType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Emptyable reports whether a zero-size value of the type is legal.
// Strings and streams keep their metadata even when empty.
func (t RedisType) Emptyable() bool {
	return t == TypeString || t == TypeStream
}

// WALItemType is the kind of one WAL operation.
type WALItemType byte

// wal item types
const (
	WALItemPut WALItemType = iota
	WALItemDelete
	WALItemLogData
	WALItemDeleteRange
)

// WALItem is one operation inside a write batch.
type WALItem struct {
	Type  WALItemType
	CF    ColumnFamilyID
	Key   []byte
	Value []byte
}
