// Package migrate moves the complete contents of one hash slot from this
// node to a destination node while the source keeps serving traffic:
// snapshot replay, WAL catch-up with a convergence bound, a brief cutover
// window, and the final ownership flip.
package migrate

import (
	"strconv"
)

// ArrayOfBulkStrings renders one command as a RESP array of bulk strings,
// the only request shape the migrator sends.
func ArrayOfBulkStrings(args ...string) []byte {
	buf := make([]byte, 0, 16*(len(args)+1))
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, a := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(a)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, a...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}
