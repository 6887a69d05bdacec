// Package gamewire implements the TCP transport for a turn-based multiplayer
// game: length-framed binary messages, non-blocking sockets driven by a
// poll-based reactor, and a bounded event queue bridging socket I/O to game
// logic. The server side multiplexes many connections; the client side
// drives a single one under the same wire contract.
package gamewire

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// ConnID identifies a registered connection. It is the underlying socket
// descriptor, which the kernel keeps unique among open connections.
type ConnID int

// State is the lifecycle position of a connection. The transport itself only
// moves connections between StateDisconnected and StateConnected; the
// consumer advances StateAuthenticated and StateInGame through SetState
// after inspecting decoded events.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateInGame
)

// String returns the state name used in logs and the admin surface.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateInGame:
		return "in_game"
	default:
		return "unknown"
	}
}

// conn is the per-connection record: socket descriptor, lifecycle state,
// reassembly and outbound buffers with their cursors, and the opaque
// application context slot. Records are owned exclusively by the connection
// table; everything else borrows them for the duration of a call.
type conn struct {
	fd    int
	state State

	in      *streamBuffer // inbound bytes awaiting frame reassembly
	out     *streamBuffer // at most one staged outbound frame
	sendOff int           // bytes of the staged frame already on the wire

	appCtx any // consumer-owned slot, never interpreted here

	// dirty marks that a capped drain pass left complete frames behind;
	// the next cycle drains them before waiting for readiness.
	dirty bool
}

func newConn(fd, bufferSize int) *conn {
	return &conn{
		fd:    fd,
		state: StateConnected,
		in:    newStreamBuffer(bufferSize),
		out:   newStreamBuffer(bufferSize),
	}
}

// pending returns the unwritten tail of the staged outbound frame.
func (c *conn) pending() []byte {
	return c.out.buffered()[c.sendOff:]
}

// hasPending reports whether outbound bytes still await write readiness.
func (c *conn) hasPending() bool {
	return c.sendOff < c.out.len()
}

// stageFrame encodes one frame into the empty send buffer. Callers check
// hasPending and capacity first.
func (c *conn) stageFrame(id uint16, payload []byte) {
	c.out.advance(encodeFrame(c.out.writable(), id, payload))
}

// clearSend discards the staged frame after it fully drained.
func (c *conn) clearSend() {
	c.out.reset()
	c.sendOff = 0
}

// readInto performs one non-blocking read from the socket into the receive
// buffer.
//
// Returns:
//   - (n, nil) with n > 0: n bytes were buffered
//   - (0, nil): the read would block, nothing to do this cycle
//   - (0, io.EOF): the peer closed the connection in an orderly way
//   - (0, err): transport error
func (c *conn) readInto() (int, error) {
	buf := c.in.writable()
	if len(buf) == 0 {
		// Buffer full behind a capped drain backlog; the backlog is drained
		// before the next read, so skip this cycle rather than misread EOF.
		return 0, nil
	}

	for {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return 0, nil
			}
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}

		c.in.advance(n)
		return n, nil
	}
}

// flushSend writes as much of the pending frame as the socket accepts,
// resuming from the exact cursor a previous short write left. It returns
// the bytes written this call and whether the frame fully drained;
// would-block leaves the remainder for the next write-readiness cycle.
func (c *conn) flushSend() (int, bool, error) {
	wrote := 0
	for c.hasPending() {
		n, err := unix.Write(c.fd, c.pending())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return wrote, false, nil
			}
			return wrote, false, err
		}
		c.sendOff += n
		wrote += n
	}

	c.clearSend()
	return wrote, true, nil
}

// maxFramesPerCycle bounds how many frames one drain pass may emit for a
// single connection, so a burst of tiny queued frames cannot monopolize a
// readiness batch. Connections cut off mid-backlog are marked dirty and
// drained first on the next cycle.
const maxFramesPerCycle = 256

// drainFrames runs the reassembly loop on c's receive buffer: decode one
// frame, hand it to emit, compact, repeat until only an incomplete tail
// remains. A declared length that can never fit is returned as a fatal
// framing error and the caller tears the connection down.
func drainFrames(c *conn, emit func(Message)) error {
	for i := 0; i < maxFramesPerCycle; i++ {
		msg, consumed, err := decodeOne(c.in.buffered(), c.in.capacity())
		if errors.Is(err, errIncompleteFrame) {
			c.dirty = false
			return nil
		}
		if err != nil {
			c.dirty = false
			return err
		}

		c.in.consume(consumed)
		emit(msg)
	}

	c.dirty = hasFrame(c.in.buffered(), c.in.capacity())
	return nil
}

// connTable is the bounded collection of live connection records, keyed by
// socket descriptor.
type connTable struct {
	conns map[int]*conn
	max   int
}

func newConnTable(max int) *connTable {
	return &connTable{
		conns: make(map[int]*conn),
		max:   max,
	}
}

// register adds c, reporting false when the table is at capacity.
func (t *connTable) register(c *conn) bool {
	if len(t.conns) >= t.max {
		return false
	}
	t.conns[c.fd] = c
	return true
}

func (t *connTable) lookup(fd int) (*conn, bool) {
	c, ok := t.conns[fd]
	return c, ok
}

// remove releases the record for fd. Removing an absent descriptor is a
// no-op, so teardown paths may race benignly.
func (t *connTable) remove(fd int) {
	delete(t.conns, fd)
}

func (t *connTable) count() int {
	return len(t.conns)
}
