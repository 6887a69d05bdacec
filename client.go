package gamewire

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errors returned by client operations.
var (
	// ErrClientClosed is returned once the connection is gone, whether by
	// Close or by the peer.
	ErrClientClosed = errors.New("gamewire: client closed")
	// ErrResolveFailed is returned when the host has no usable IPv4 address.
	ErrResolveFailed = errors.New("gamewire: host resolution failed")
	// ErrConnectFailed is returned when the TCP connect is refused or times
	// out.
	ErrConnectFailed = errors.New("gamewire: connect failed")
)

// Client is the connecting side of the transport: a single connection to a
// server, serviced by the same poll cycle the serving side runs. Events
// carry connection id 0.
//
// One goroutine drives Poll (or Run); the other methods are safe to call
// concurrently with it. A client is single-use: once the connection is torn
// down it cannot reconnect, dial a new one instead.
type Client struct {
	opts    options
	logger  Logger
	metrics *metrics

	queue *eventQueue

	mu     sync.Mutex
	c      *conn
	closed bool

	pollfds []unix.PollFd
}

// Dial connects to host:port and queues the Connected event. The connect
// itself blocks; the socket switches to non-blocking mode once established.
func Dial(host string, port int, opt ...Option) (*Client, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(ErrResolveFailed, "host %q: %v", host, err)
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, errors.Wrapf(ErrResolveFailed, "host %q: no IPv4 address", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "gamewire: socket")
	}

	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)

	if err = unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(ErrConnectFailed, "%s:%d: %v", host, addr.Port, err)
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gamewire: set nonblock")
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	cl := &Client{
		opts:    opts,
		logger:  opts.logger,
		metrics: newMetrics(opts.registry, "client"),
		queue:   newEventQueue(opts.queueSize),
		c:       newConn(fd, opts.bufferSize),
		pollfds: make([]unix.PollFd, 0, 1),
	}

	cl.metrics.connsOpen.Inc()
	cl.metrics.connsTotal.Inc()
	cl.pushEvent(Event{Type: EventConnected})

	cl.logger.Info("connected", "host", host, "port", addr.Port, "fd", fd)

	return cl, nil
}

// Poll runs one reactor cycle against the connection, bounded by timeoutMs
// with the same wait semantics as the serving side. The cycle that loses the
// connection still returns normally, with the Disconnected event queued;
// every call after that reports ErrClientClosed.
func (cl *Client) Poll(timeoutMs int) (int, error) {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return 0, ErrClientClosed
	}

	if cl.c.dirty {
		cl.drainConn()
		if cl.closed {
			cl.mu.Unlock()
			return 0, ErrClientClosed
		}
		if cl.c.dirty {
			timeoutMs = 0
		}
	}

	events := int16(unix.POLLIN)
	if cl.c.hasPending() {
		events |= unix.POLLOUT
	}
	cl.pollfds = append(cl.pollfds[:0], unix.PollFd{Fd: int32(cl.c.fd), Events: events})
	pfds := cl.pollfds
	cl.mu.Unlock()

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "gamewire: poll")
	}
	if n == 0 {
		return 0, nil
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return 0, ErrClientClosed
	}

	re := pfds[0].Revents
	if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		cl.teardown()
		return n, nil
	}

	if re&unix.POLLIN != 0 {
		cl.readConn()
	}

	if re&unix.POLLOUT != 0 && !cl.closed {
		cl.writeConn()
	}

	return n, nil
}

// readConn services read readiness: one receive, then the frame drain loop.
func (cl *Client) readConn() {
	n, err := cl.c.readInto()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			cl.logger.Debug("read failed", "error", err)
		}
		cl.teardown()
		return
	}
	if n == 0 {
		return
	}

	cl.metrics.bytesIn.Add(float64(n))
	cl.drainConn()
}

// drainConn extracts complete frames into message events. A framing
// violation surfaces as an Error event and tears the connection down.
func (cl *Client) drainConn() {
	err := drainFrames(cl.c, func(msg Message) {
		cl.metrics.messagesIn.Inc()
		cl.pushEvent(Event{Type: EventMessage, Msg: msg})
	})
	if err != nil {
		cl.metrics.framingErrors.Inc()
		cl.logger.Warn("framing violation", "error", err)
		cl.pushEvent(Event{Type: EventError, Err: err})
		cl.teardown()
	}
}

// writeConn services write readiness by resuming the pending frame.
func (cl *Client) writeConn() {
	wrote, done, err := cl.c.flushSend()
	if wrote > 0 {
		cl.metrics.bytesOut.Add(float64(wrote))
	}
	if err != nil {
		cl.logger.Debug("write failed", "error", err)
		cl.teardown()
		return
	}
	if done {
		cl.logger.Debug("outbound frame drained")
	}
}

// teardown closes the connection and queues the Disconnected event exactly
// once.
func (cl *Client) teardown() {
	if cl.closed {
		return
	}
	cl.closed = true

	unix.Close(cl.c.fd)
	cl.c.state = StateDisconnected
	cl.metrics.connsOpen.Dec()
	cl.pushEvent(Event{Type: EventDisconnected})

	cl.logger.Info("disconnected")
}

// pushEvent queues ev; on overflow the newest event is dropped and counted.
func (cl *Client) pushEvent(ev Event) {
	if !cl.queue.push(ev) {
		cl.metrics.eventsDropped.Inc()
		cl.logger.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

// NextEvent pops the oldest queued event. The queue stays drainable after
// the connection is gone, so the Disconnected event is never lost.
func (cl *Client) NextEvent() (Event, bool) {
	return cl.queue.pop()
}

// Send stages one frame for the server and attempts immediate delivery,
// under the same contract as the serving side's Send.
func (cl *Client) Send(msgID uint16, payload []byte) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.closed {
		return ErrClientClosed
	}
	if cl.c.hasPending() {
		return ErrSendBusy
	}
	if headerSize+len(payload) > cl.c.out.capacity() {
		return ErrPayloadTooLarge
	}

	cl.c.stageFrame(msgID, payload)
	cl.metrics.messagesOut.Inc()

	wrote, _, err := cl.c.flushSend()
	if wrote > 0 {
		cl.metrics.bytesOut.Add(float64(wrote))
	}
	if err != nil {
		cl.logger.Debug("write failed", "error", err)
		cl.teardown()
		return err
	}

	return nil
}

// IsConnected reports whether the connection is still up.
func (cl *Client) IsConnected() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return !cl.closed
}

// Close tears the connection down and queues the Disconnected event.
// Closing an already closed client is a no-op.
func (cl *Client) Close() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.teardown()
}

// Run drives the reactor until ctx is canceled or the connection is gone,
// draining the event queue through d after every cycle. Returns
// ErrClientClosed once the connection ends; any events queued at that point
// remain available through NextEvent.
func (cl *Client) Run(ctx context.Context, d *Dispatcher) error {
	interval := int(cl.opts.pollInterval / time.Millisecond)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := cl.Poll(interval); err != nil {
			return err
		}

		for {
			ev, ok := cl.NextEvent()
			if !ok {
				break
			}
			d.Dispatch(ev)
		}
	}
}
