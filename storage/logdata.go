package storage

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LogData is the marker the type layer puts at the head of a write batch:
// the redis type that produced the batch plus an optional command hint.
// List batches need the hint because the raw subkey layout does not
// preserve whether the write was an RPUSH or an LPUSH.
type LogData struct {
	Type RedisType
	Args []string
}

// Encode renders the marker.
func (l *LogData) Encode() []byte {
	parts := append([]string{strconv.Itoa(int(l.Type))}, l.Args...)
	return []byte(strings.Join(parts, " "))
}

// DecodeLogData parses a marker.
func DecodeLogData(raw []byte) (l LogData, err error) {
	parts := strings.Split(string(raw), " ")
	if len(parts) == 0 || parts[0] == "" {
		err = errors.New("empty log data marker")
		return
	}
	t, err := strconv.Atoi(parts[0])
	if err != nil {
		err = errors.Wrap(err, "malformed log data type tag")
		return
	}
	l.Type = RedisType(t)
	l.Args = parts[1:]
	return
}
