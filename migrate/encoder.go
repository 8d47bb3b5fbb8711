package migrate

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/supriza/kvrocks/storage"
)

// maxItemsInCommand caps the elements carried by one chunked command
// (RPUSH, HMSET, SADD, ZADD, SIADD).
const maxItemsInCommand = 16

// key classification results
const (
	resultMigrated = "migrated"
	resultExpired  = "expired"
	resultEmpty    = "underlyingStructEmpty"
)

// cmdEncoder turns one logical key under the pinned snapshot into the
// command sequence that reproduces it on a fresh destination.
type cmdEncoder struct {
	snap *storage.Snapshot
	cli  *dstClient
	now  time.Time
}

func newCmdEncoder(snap *storage.Snapshot, cli *dstClient) *cmdEncoder {
	return &cmdEncoder{snap: snap, cli: cli, now: time.Now()}
}

func (e *cmdEncoder) emit(args ...string) error {
	e.cli.appendCommand(args...)
	return e.cli.sendCmdsPipelineIfNeed(false)
}

// migrateOneKey classifies and encodes one key. Keys dead at snapshot time
// and composite keys with zero elements are skipped.
func (e *cmdEncoder) migrateOneKey(slot int, userKey, metaRaw []byte) (string, error) {
	md, payload, err := storage.DecodeMetadata(metaRaw)
	if err != nil {
		return "", err
	}
	if md.Expired(e.now) {
		return resultExpired, nil
	}
	if !md.Type.Emptyable() && md.Size == 0 {
		return resultEmpty, nil
	}
	key := string(userKey)
	switch md.Type {
	case storage.TypeString:
		err = e.migrateSimpleKey(key, md, string(metaRaw[payload:]))
	case storage.TypeList, storage.TypeHash, storage.TypeSet, storage.TypeZSet, storage.TypeSortedint:
		err = e.migrateComplexKey(slot, key, md)
	case storage.TypeBitmap:
		err = e.migrateBitmapKey(slot, key, md)
	case storage.TypeStream:
		err = e.migrateStreamKey(slot, key, metaRaw)
	default:
		err = errors.Errorf("cannot migrate key %q of type %s", key, md.Type)
	}
	if err != nil {
		return "", err
	}
	return resultMigrated, nil
}

func (e *cmdEncoder) migrateSimpleKey(key string, md storage.Metadata, value string) error {
	args := []string{"SET", key, value}
	if md.Expire > 0 {
		args = append(args, "PXAT", strconv.FormatInt(md.Expire, 10))
	}
	return e.emit(args...)
}

func complexCmdName(t storage.RedisType) string {
	switch t {
	case storage.TypeList:
		return "RPUSH"
	case storage.TypeHash:
		return "HMSET"
	case storage.TypeSet:
		return "SADD"
	case storage.TypeZSet:
		return "ZADD"
	case storage.TypeSortedint:
		return "SIADD"
	}
	return ""
}

// migrateComplexKey replays the subkeys of a list, hash, set, zset or
// sortedint in iteration order, chunked at maxItemsInCommand.
func (e *cmdEncoder) migrateComplexKey(slot int, key string, md storage.Metadata) error {
	cmd := complexCmdName(md.Type)
	var args []string
	items := 0
	flush := func() error {
		if items == 0 {
			return nil
		}
		err := e.emit(append([]string{cmd, key}, args...)...)
		args, items = args[:0], 0
		return err
	}
	prefix := storage.EncodeSubkeyPrefix(slot, []byte(key), md.Version)
	it := e.snap.NewIterator(storage.CFDefault)
	for it.Seek(prefix); it.Valid(); it.Next() {
		if e.cli.stopped() {
			return errors.WithStack(ErrCanceled)
		}
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		ik, err := storage.DecodeSubkey(it.Key())
		if err != nil {
			return err
		}
		switch md.Type {
		case storage.TypeList:
			args = append(args, string(it.Value()))
		case storage.TypeHash:
			args = append(args, string(ik.SubKey), string(it.Value()))
		case storage.TypeSet:
			args = append(args, string(ik.SubKey))
		case storage.TypeZSet:
			score := math.Float64frombits(binary.BigEndian.Uint64(it.Value()))
			args = append(args, formatScore(score), string(ik.SubKey))
		case storage.TypeSortedint:
			id := binary.BigEndian.Uint64(ik.SubKey)
			args = append(args, strconv.FormatUint(id, 10))
		}
		items++
		if items >= maxItemsInCommand {
			if err = flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return e.maybeExpire(key, md.Expire)
}

// migrateBitmapKey expands every set bit of every stored fragment into one
// SETBIT. Slow but correct; there is no chunked bit primitive.
func (e *cmdEncoder) migrateBitmapKey(slot int, key string, md storage.Metadata) error {
	prefix := storage.EncodeSubkeyPrefix(slot, []byte(key), md.Version)
	it := e.snap.NewIterator(storage.CFDefault)
	for it.Seek(prefix); it.Valid(); it.Next() {
		if e.cli.stopped() {
			return errors.WithStack(ErrCanceled)
		}
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		ik, err := storage.DecodeSubkey(it.Key())
		if err != nil {
			return err
		}
		fragStart, err := strconv.ParseUint(string(ik.SubKey), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "malformed bitmap fragment index of key %q", key)
		}
		if err = e.emitFragmentBits(key, fragStart, it.Value()); err != nil {
			return err
		}
	}
	return e.maybeExpire(key, md.Expire)
}

func (e *cmdEncoder) emitFragmentBits(key string, fragStart uint64, frag []byte) error {
	for i, b := range frag {
		for bit := uint64(0); bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				continue
			}
			offset := (fragStart+uint64(i))*8 + bit
			if err := e.emit("SETBIT", key, strconv.FormatUint(offset, 10), "1"); err != nil {
				return err
			}
		}
	}
	return nil
}

// migrateStreamKey replays the entries with explicit ids, then restores the
// bookkeeping counters with XSETID.
func (e *cmdEncoder) migrateStreamKey(slot int, key string, metaRaw []byte) error {
	md, err := storage.DecodeStreamMetadata(metaRaw)
	if err != nil {
		return err
	}
	prefix := storage.EncodeSubkeyPrefix(slot, []byte(key), md.Version)
	it := e.snap.NewIterator(storage.CFStream)
	for it.Seek(prefix); it.Valid(); it.Next() {
		if e.cli.stopped() {
			return errors.WithStack(ErrCanceled)
		}
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		ik, err := storage.DecodeSubkey(it.Key())
		if err != nil {
			return err
		}
		id, err := storage.DecodeStreamEntryID(ik.SubKey)
		if err != nil {
			return err
		}
		fvs, err := storage.DecodeStreamEntryValue(it.Value())
		if err != nil {
			return err
		}
		if err = e.emit(append([]string{"XADD", key, id.String()}, fvs...)...); err != nil {
			return err
		}
	}
	err = e.emit("XSETID", key, md.LastGeneratedID.String(),
		"ENTRIESADDED", strconv.FormatUint(md.EntriesAdded, 10),
		"MAXDELETEDID", md.MaxDeletedEntryID.String())
	if err != nil {
		return err
	}
	return e.maybeExpire(key, md.Expire)
}

func (e *cmdEncoder) maybeExpire(key string, expireMs int64) error {
	if expireMs <= 0 {
		return nil
	}
	return e.emit("PEXPIREAT", key, strconv.FormatInt(expireMs, 10))
}

// formatScore stringifies a zset score so it round-trips through redis
// parsing.
func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
