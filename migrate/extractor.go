package migrate

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/storage"
)

// walExtractor reconstructs logical commands from the WAL items of the
// migrating slot. The log-data marker at the head of each batch provides
// the type tag and the command hint the raw key layout cannot preserve
// (RPUSH vs LPUSH, PEXPIREAT).
type walExtractor struct {
	slot int
	cli  *dstClient

	typ  storage.RedisType
	args []string
}

func newWALExtractor(slot int, cli *dstClient) *walExtractor {
	return &walExtractor{slot: slot, cli: cli}
}

func (x *walExtractor) emit(args ...string) error {
	x.cli.appendCommand(args...)
	return x.cli.sendCmdsPipelineIfNeed(false)
}

func (x *walExtractor) extractItem(item storage.WALItem) error {
	switch item.Type {
	case storage.WALItemLogData:
		ld, err := storage.DecodeLogData(item.Key)
		if err != nil {
			return err
		}
		x.typ, x.args = ld.Type, ld.Args
		return nil
	case storage.WALItemDeleteRange:
		// may cross slot boundaries; only whole-DB flushes produce these
		return nil
	}
	if slot, err := storage.KeySlot(item.Key); err != nil || slot != x.slot {
		return nil
	}
	switch item.CF {
	case storage.CFMetadata:
		return x.extractMetadata(item)
	case storage.CFDefault:
		return x.extractSubkey(item)
	case storage.CFStream:
		return x.extractStream(item)
	}
	// zset score cells duplicate the member cells
	return nil
}

func (x *walExtractor) expireHint() (string, bool) {
	if len(x.args) == 2 && x.args[0] == "pexpireat" {
		return x.args[1], true
	}
	return "", false
}

func (x *walExtractor) extractMetadata(item storage.WALItem) error {
	_, userKey, err := storage.DecodeMetadataKey(item.Key)
	if err != nil {
		return err
	}
	key := string(userKey)
	if item.Type == storage.WALItemDelete {
		return x.emit("DEL", key)
	}
	md, payload, err := storage.DecodeMetadata(item.Value)
	if err != nil {
		return err
	}
	if ms, ok := x.expireHint(); ok {
		return x.emit("PEXPIREAT", key, ms)
	}
	switch md.Type {
	case storage.TypeString:
		args := []string{"SET", key, string(item.Value[payload:])}
		if md.Expire > 0 {
			args = append(args, "PXAT", strconv.FormatInt(md.Expire, 10))
		}
		return x.emit(args...)
	case storage.TypeStream:
		smd, err := storage.DecodeStreamMetadata(item.Value)
		if err != nil {
			return err
		}
		return x.emit("XSETID", key, smd.LastGeneratedID.String(),
			"ENTRIESADDED", strconv.FormatUint(smd.EntriesAdded, 10),
			"MAXDELETEDID", smd.MaxDeletedEntryID.String())
	}
	// size and version bookkeeping of composite types travels via subkeys
	return nil
}

func (x *walExtractor) extractSubkey(item storage.WALItem) error {
	ik, err := storage.DecodeSubkey(item.Key)
	if err != nil {
		return err
	}
	key := string(ik.UserKey)
	if item.Type == storage.WALItemDelete {
		switch x.typ {
		case storage.TypeHash:
			return x.emit("HDEL", key, string(ik.SubKey))
		case storage.TypeSet:
			return x.emit("SREM", key, string(ik.SubKey))
		case storage.TypeZSet:
			return x.emit("ZREM", key, string(ik.SubKey))
		case storage.TypeSortedint:
			id := binary.BigEndian.Uint64(ik.SubKey)
			return x.emit("SIREM", key, strconv.FormatUint(id, 10))
		case storage.TypeList:
			if len(x.args) > 0 && x.args[0] == "lpop" {
				return x.emit("LPOP", key)
			}
			return x.emit("RPOP", key)
		}
		return nil
	}
	switch x.typ {
	case storage.TypeList:
		cmd := "RPUSH"
		if len(x.args) > 0 && x.args[0] == "lpush" {
			cmd = "LPUSH"
		}
		return x.emit(cmd, key, string(item.Value))
	case storage.TypeHash:
		return x.emit("HSET", key, string(ik.SubKey), string(item.Value))
	case storage.TypeSet:
		return x.emit("SADD", key, string(ik.SubKey))
	case storage.TypeZSet:
		score := math.Float64frombits(binary.BigEndian.Uint64(item.Value))
		return x.emit("ZADD", key, formatScore(score), string(ik.SubKey))
	case storage.TypeSortedint:
		id := binary.BigEndian.Uint64(ik.SubKey)
		return x.emit("SIADD", key, strconv.FormatUint(id, 10))
	case storage.TypeBitmap:
		return x.extractBitmapFragment(key, ik.SubKey, item.Value)
	}
	return errors.Errorf("unexpected subkey write of type %s", x.typ)
}

// extractBitmapFragment replays the set bits of a rewritten fragment. Bits
// cleared by the write cannot be recovered from the new fragment alone;
// the server only ever sets bits through this path.
func (x *walExtractor) extractBitmapFragment(key string, sub, frag []byte) error {
	fragStart, err := strconv.ParseUint(string(sub), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "malformed bitmap fragment index of key %q", key)
	}
	for i, b := range frag {
		for bit := uint64(0); bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				continue
			}
			offset := (fragStart+uint64(i))*8 + bit
			if err := x.emit("SETBIT", key, strconv.FormatUint(offset, 10), "1"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *walExtractor) extractStream(item storage.WALItem) error {
	ik, err := storage.DecodeSubkey(item.Key)
	if err != nil {
		return err
	}
	key := string(ik.UserKey)
	id, err := storage.DecodeStreamEntryID(ik.SubKey)
	if err != nil {
		return err
	}
	if item.Type == storage.WALItemDelete {
		return x.emit("XDEL", key, id.String())
	}
	fvs, err := storage.DecodeStreamEntryValue(item.Value)
	if err != nil {
		return err
	}
	return x.emit(append([]string{"XADD", key, id.String()}, fvs...)...)
}

// extractRawItem forwards one WAL item of the slot to the raw-KV batch
// sender. DeleteRange items are dropped.
func extractRawItem(bs *BatchSender, slot int, item storage.WALItem) error {
	switch item.Type {
	case storage.WALItemLogData:
		return bs.PutLogData(item.Key)
	case storage.WALItemDeleteRange:
		return nil
	}
	if s, err := storage.KeySlot(item.Key); err != nil || s != slot {
		return nil
	}
	if item.Type == storage.WALItemPut {
		return bs.PutRaw(item.CF, item.Key, item.Value)
	}
	return bs.DeleteRaw(item.CF, item.Key)
}
