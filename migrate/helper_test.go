package migrate

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/supriza/kvrocks/storage"
)

// fakeDest is a destination node good enough for the migrator: it parses
// commands, records them, replies +OK to everything and optionally applies
// APPLYBATCH frames to its own engine.
type fakeDest struct {
	t  *testing.T
	ln net.Listener

	mu   sync.Mutex
	cmds [][]string

	db         *storage.DB   // when set, APPLYBATCH frames are applied
	replyDelay time.Duration // per-command delay before replying
	failAfter  int           // drop the connection after this many commands, 0 = never
}

func newFakeDest(t *testing.T) *fakeDest {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDest{t: t, ln: ln}
	go d.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return d
}

func (d *fakeDest) addr() string {
	return d.ln.Addr().String()
}

func (d *fakeDest) hostPort() (string, int) {
	host, port, _ := net.SplitHostPort(d.addr())
	p, _ := strconv.Atoi(port)
	return host, p
}

func (d *fakeDest) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDest) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	served := 0
	for {
		cmd, err := readCommand(br)
		if err != nil {
			return
		}
		d.mu.Lock()
		d.cmds = append(d.cmds, cmd)
		db, delay, failAfter := d.db, d.replyDelay, d.failAfter
		d.mu.Unlock()
		served++
		if failAfter > 0 && served > failAfter {
			return
		}
		if db != nil && strings.EqualFold(cmd[0], applyBatchCmd) && len(cmd) == 2 {
			if err := ApplyBatch(db, []byte(cmd[1])); err != nil {
				_, _ = conn.Write([]byte("-ERR " + err.Error() + "\r\n"))
				continue
			}
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if _, err := conn.Write([]byte("+OK\r\n")); err != nil {
			return
		}
	}
}

func (d *fakeDest) commands() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]string, len(d.cmds))
	copy(out, d.cmds)
	return out
}

func (d *fakeDest) hasCommand(want ...string) bool {
	for _, cmd := range d.commands() {
		if len(cmd) != len(want) {
			continue
		}
		same := true
		for i := range cmd {
			if cmd[i] != want[i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// readCommand parses one RESP array-of-bulk-strings request.
func readCommand(br *bufio.Reader) ([]string, error) {
	head, err := readRespLine(br)
	if err != nil {
		return nil, err
	}
	if head[0] != '*' {
		return nil, io.ErrUnexpectedEOF
	}
	n, err := strconv.Atoi(head[1:])
	if err != nil || n <= 0 {
		return nil, io.ErrUnexpectedEOF
	}
	cmd := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := readRespLine(br)
		if err != nil {
			return nil, err
		}
		if line[0] != '$' {
			return nil, io.ErrUnexpectedEOF
		}
		l, err := strconv.Atoi(line[1:])
		if err != nil || l < 0 {
			return nil, io.ErrUnexpectedEOF
		}
		body := make([]byte, l+2)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
		cmd = append(cmd, string(body[:l]))
	}
	return cmd, nil
}

func readRespLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", io.ErrUnexpectedEOF
	}
	return line, nil
}

// parseCommands splits the raw bytes a client wrote into commands.
func parseCommands(t *testing.T, raw []byte) [][]string {
	br := bufio.NewReader(strings.NewReader(string(raw)))
	var cmds [][]string
	for {
		cmd, err := readCommand(br)
		if err == io.EOF {
			return cmds
		}
		require.NoError(t, err)
		cmds = append(cmds, cmd)
	}
}
