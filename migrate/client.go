package migrate

import (
	"bytes"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	libnet "github.com/supriza/kvrocks/pkg/net"
)

const (
	dialTimeout  = time.Second
	writeTimeout = 3 * time.Second
	// replyTimeout bounds one read attempt; on timeout the read is retried
	// until enough bytes arrived or the stop flag is raised.
	replyTimeout = time.Second
)

// reply parser states
const (
	stateArrayLen = iota
	stateBulkData
	stateArrayData
	stateOneRspEnd
)

var crlf = []byte("\r\n")

// dstClient is the authenticated session to the destination node. It owns
// the socket, the pipeline buffer and the reply counter; it lives only for
// the duration of one migration job.
type dstClient struct {
	conn    *libnet.Conn
	stopped func() bool

	rbuf []byte // received, not yet parsed

	pipeline     bytes.Buffer
	pipelineSize int

	maxPipelineSize int
	maxSpeed        int // commands per second, 0 means unlimited
	lastSendUs      int64
}

// dialDst connects and authenticates a session to the destination.
func dialDst(addr, password string, maxPipelineSize, maxSpeed int, stopped func() bool) (*dstClient, error) {
	conn, err := libnet.DialWithTimeout(addr, dialTimeout, replyTimeout, writeTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	c := newDstClient(conn, maxPipelineSize, maxSpeed, stopped)
	if password != "" {
		if err = c.call("AUTH", password); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "auth")
		}
	}
	return c, nil
}

func newDstClient(conn *libnet.Conn, maxPipelineSize, maxSpeed int, stopped func() bool) *dstClient {
	if stopped == nil {
		stopped = func() bool { return false }
	}
	if maxPipelineSize <= 0 {
		maxPipelineSize = 1
	}
	return &dstClient{conn: conn, stopped: stopped, maxPipelineSize: maxPipelineSize, maxSpeed: maxSpeed}
}

func (c *dstClient) close() error {
	return c.conn.Close()
}

// call sends one command outside the pipeline and checks its single reply.
func (c *dstClient) call(args ...string) error {
	if _, err := c.conn.Write(ArrayOfBulkStrings(args...)); err != nil {
		return errors.Wrap(err, "send command")
	}
	return c.checkMultipleResponses(1)
}

// setImportStatus flips the import status of the slot on the destination.
func (c *dstClient) setImportStatus(slot, status int) error {
	return c.call("CLUSTER", "IMPORT", strconv.Itoa(slot), strconv.Itoa(status))
}

// appendCommand queues one command into the pipeline buffer.
func (c *dstClient) appendCommand(args ...string) {
	c.pipeline.Write(ArrayOfBulkStrings(args...))
	c.pipelineSize++
}

// sendCmdsPipelineIfNeed flushes the pipeline when forced or full: it
// applies the speed limit, writes the buffer, then reads and checks exactly
// one reply per queued command.
func (c *dstClient) sendCmdsPipelineIfNeed(force bool) error {
	if c.pipelineSize == 0 {
		return nil
	}
	if !force && c.pipelineSize < c.maxPipelineSize {
		return nil
	}
	if c.stopped() {
		return errors.WithStack(ErrCanceled)
	}
	c.applyMigrationSpeedLimit()
	if _, err := c.conn.Write(c.pipeline.Bytes()); err != nil {
		return errors.Wrap(err, "send pipeline")
	}
	n := c.pipelineSize
	c.pipeline.Reset()
	c.pipelineSize = 0
	return c.checkMultipleResponses(n)
}

func (c *dstClient) applyMigrationSpeedLimit() {
	if c.maxSpeed <= 0 {
		return
	}
	perRequestUs := int64(1e6) * int64(c.maxPipelineSize) / int64(c.maxSpeed)
	nowUs := time.Now().UnixMicro()
	if next := c.lastSendUs + perRequestUs; next > nowUs {
		time.Sleep(time.Duration(next-nowUs) * time.Microsecond)
	}
	c.lastSendUs = time.Now().UnixMicro()
}

// fill reads more bytes from the socket, retrying on read timeout while the
// stop flag is clear.
func (c *dstClient) fill() error {
	var b [4096]byte
	for {
		n, err := c.conn.Read(b[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, b[:n]...)
			return nil
		}
		if err == nil {
			continue
		}
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			if c.stopped() {
				return errors.WithStack(ErrCanceled)
			}
			continue
		}
		return errors.Wrap(err, "read reply")
	}
}

func (c *dstClient) readLine() ([]byte, error) {
	for {
		if i := bytes.Index(c.rbuf, crlf); i >= 0 {
			line := c.rbuf[:i]
			c.rbuf = c.rbuf[i+2:]
			if len(line) == 0 {
				return nil, errors.New("empty reply line")
			}
			return line, nil
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// discardBulkBody consumes n payload bytes plus the trailing CRLF, which it
// verifies.
func (c *dstClient) discardBulkBody(n int) error {
	for len(c.rbuf) < n+2 {
		if err := c.fill(); err != nil {
			return err
		}
	}
	if c.rbuf[n] != '\r' || c.rbuf[n+1] != '\n' {
		return errors.New("bulk reply misses the trailing CRLF")
	}
	c.rbuf = c.rbuf[n+2:]
	return nil
}

// checkMultipleResponses counts exactly n replies off the socket. Simple
// strings, integers, bulk strings (nil included) and arrays of scalars at
// any nesting depth are accepted; an error reply fails the pipeline.
func (c *dstClient) checkMultipleResponses(n int) error {
	state := stateArrayLen
	var bulkLen, arrayItems int
	for n > 0 {
		switch state {
		case stateArrayLen:
			line, err := c.readLine()
			if err != nil {
				return err
			}
			switch line[0] {
			case '+', ':':
				state = stateOneRspEnd
			case '-':
				return errors.Errorf("destination replied with error: %s", line[1:])
			case '$':
				l, err := strconv.Atoi(string(line[1:]))
				if err != nil {
					return errors.Wrap(err, "malformed bulk length")
				}
				if l < 0 {
					state = stateOneRspEnd
				} else {
					bulkLen, state = l, stateBulkData
				}
			case '*':
				k, err := strconv.Atoi(string(line[1:]))
				if err != nil {
					return errors.Wrap(err, "malformed array length")
				}
				if k <= 0 {
					state = stateOneRspEnd
				} else {
					arrayItems, state = k, stateArrayData
				}
			default:
				return errors.Errorf("unexpected reply type %q", line[0])
			}
		case stateBulkData:
			if err := c.discardBulkBody(bulkLen); err != nil {
				return err
			}
			state = stateOneRspEnd
		case stateArrayData:
			line, err := c.readLine()
			if err != nil {
				return err
			}
			switch line[0] {
			case '+', ':', '-':
			case '$':
				l, err := strconv.Atoi(string(line[1:]))
				if err != nil {
					return errors.Wrap(err, "malformed bulk length")
				}
				if l >= 0 {
					if err = c.discardBulkBody(l); err != nil {
						return err
					}
				}
			case '*':
				k, err := strconv.Atoi(string(line[1:]))
				if err != nil {
					return errors.Wrap(err, "malformed array length")
				}
				// a nested array counts as one element holding k more
				arrayItems += k
			default:
				return errors.Errorf("unexpected reply type %q in array", line[0])
			}
			arrayItems--
			if arrayItems <= 0 {
				state = stateOneRspEnd
			}
		case stateOneRspEnd:
			n--
			state = stateArrayLen
		}
	}
	return nil
}
