package gamewire

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Errors returned by server operations.
var (
	// ErrServerClosed is returned when operating on a server after Shutdown.
	ErrServerClosed = errors.New("gamewire: server closed")
	// ErrConnNotFound is returned when the connection id is not registered.
	ErrConnNotFound = errors.New("gamewire: connection not found")
	// ErrSendBusy is returned while a previous frame is still draining; at
	// most one outbound frame may be in flight per connection.
	ErrSendBusy = errors.New("gamewire: send already in flight")
)

// listenBacklog is the pending-connection queue length handed to listen(2).
const listenBacklog = 10

// Server is the serving side of the transport: a non-blocking listener and
// up to maxConns peer connections multiplexed by a poll(2) reactor.
//
// One goroutine drives Poll (or Run); Poll is not safe for concurrent use
// with itself. Every other method may be called from other goroutines, which
// is how a consumer drains events and sends replies while the reactor waits.
type Server struct {
	opts    options
	logger  Logger
	metrics *metrics

	queue *eventQueue

	mu       sync.Mutex
	listenFd int
	port     int
	table    *connTable
	closed   bool

	// Reactor-cycle scratch, reused across calls. polled runs parallel to
	// pollfds so readiness is matched to the record it was armed for even if
	// the descriptor number is recycled mid-cycle.
	pollfds []unix.PollFd
	polled  []*conn
}

// NewServer creates a transport listening on the given TCP port. Port 0
// binds an ephemeral port; Port reports the actual one.
func NewServer(port int, opt ...Option) (*Server, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "gamewire: socket")
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gamewire: setsockopt")
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gamewire: set nonblock")
	}

	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "gamewire: bind port %d", port)
	}

	if err = unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "gamewire: listen")
	}

	bound := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			bound = in4.Port
		}
	}

	s := &Server{
		opts:     opts,
		logger:   opts.logger,
		metrics:  newMetrics(opts.registry, "server"),
		queue:    newEventQueue(opts.queueSize),
		listenFd: fd,
		port:     bound,
		table:    newConnTable(opts.maxConns),
		pollfds:  make([]unix.PollFd, 0, opts.maxConns+1),
		polled:   make([]*conn, 0, opts.maxConns+1),
	}

	s.logger.Info("server listening", "port", bound,
		"max_conns", opts.maxConns, "buffer_size", opts.bufferSize)

	return s, nil
}

// Port returns the bound listening port. Useful when NewServer was given 0.
func (s *Server) Port() int {
	return s.port
}

// Poll runs one reactor cycle: wait for readiness across the listener and
// every connection, bounded by timeoutMs (negative waits indefinitely, zero
// returns immediately, positive waits up to that many milliseconds), then
// service each ready descriptor. Error or hangup readiness tears the
// connection down before any read; listener readiness accepts exactly one
// peer; read readiness receives and runs the frame drain loop; write
// readiness resumes a partially sent frame.
//
// Returns the number of descriptors with activity. An interrupted wait
// counts as an idle cycle; only a failed wait is returned as an error.
func (s *Server) Poll(timeoutMs int) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrServerClosed
	}

	// Frames capped on the previous cycle are drained before waiting, and a
	// remaining backlog clamps the wait so queued work is never delayed.
	if s.drainBacklog() {
		timeoutMs = 0
	}

	pfds := s.armPollSet()
	s.mu.Unlock()

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

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrServerClosed
	}

	for i := range pfds {
		re := pfds[i].Revents
		if re == 0 {
			continue
		}

		c := s.polled[i]
		if c == nil {
			// Listener slot: only accept readiness matters here.
			if re&unix.POLLIN != 0 {
				s.accept()
			}
			continue
		}

		if !s.registered(c) {
			continue
		}

		if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			s.teardown(c, true)
			continue
		}

		if re&unix.POLLIN != 0 {
			s.readConn(c)
		}

		if re&unix.POLLOUT != 0 && s.registered(c) {
			s.writeConn(c)
		}
	}

	return n, nil
}

// registered reports whether c is still the record the table holds for its
// descriptor. Teardown during a cycle can recycle a descriptor number into a
// freshly accepted connection, so identity is checked, not just presence.
func (s *Server) registered(c *conn) bool {
	cur, ok := s.table.lookup(c.fd)
	return ok && cur == c
}

// armPollSet rebuilds the readiness set: the listener plus every registered
// connection, with write interest armed only where a frame is pending.
func (s *Server) armPollSet() []unix.PollFd {
	s.pollfds = s.pollfds[:0]
	s.polled = s.polled[:0]

	s.pollfds = append(s.pollfds, unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN})
	s.polled = append(s.polled, nil)

	for _, c := range s.table.conns {
		events := int16(unix.POLLIN)
		if c.hasPending() {
			events |= unix.POLLOUT
		}
		s.pollfds = append(s.pollfds, unix.PollFd{Fd: int32(c.fd), Events: events})
		s.polled = append(s.polled, c)
	}

	return s.pollfds
}

// drainBacklog drains connections whose previous pass hit the per-cycle
// frame cap. Reports whether complete frames still remain afterwards.
func (s *Server) drainBacklog() bool {
	more := false
	for fd, c := range s.table.conns {
		if !c.dirty {
			continue
		}
		s.drainConn(c)
		if _, ok := s.table.lookup(fd); ok && c.dirty {
			more = true
		}
	}
	return more
}

// accept takes exactly one pending connection off the listener, matching one
// accept per readiness signal.
func (s *Server) accept() {
	nfd, sa, err := unix.Accept(s.listenFd)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			s.logger.Error("accept failed", "error", err)
		}
		return
	}

	if err = unix.SetNonblock(nfd, true); err != nil {
		s.logger.Error("accept: set nonblock failed", "fd", nfd, "error", err)
		unix.Close(nfd)
		return
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	c := newConn(nfd, s.opts.bufferSize)
	if !s.table.register(c) {
		// Full table: the peer is closed at the transport level with no
		// registration and no event. Notifying it is a consumer policy.
		s.metrics.connsRejected.Inc()
		s.logger.Warn("connection table full, rejecting peer", "fd", nfd)
		unix.Close(nfd)
		return
	}

	s.metrics.connsOpen.Inc()
	s.metrics.connsTotal.Inc()
	s.pushEvent(Event{Type: EventConnected, Conn: ConnID(nfd)})

	s.logger.Info("connection accepted", "fd", nfd, "addr", sockaddrString(sa))
}

// readConn services read readiness: one receive into the record's buffer,
// then the frame drain loop. Zero bytes is an orderly close.
func (s *Server) readConn(c *conn) {
	n, err := c.readInto()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("read failed", "fd", c.fd, "error", err)
		}
		s.teardown(c, true)
		return
	}
	if n == 0 {
		return
	}

	s.metrics.bytesIn.Add(float64(n))
	s.drainConn(c)
}

// drainConn extracts complete frames into message events. A framing
// violation surfaces as an Error event and tears the connection down.
func (s *Server) drainConn(c *conn) {
	err := drainFrames(c, func(msg Message) {
		s.metrics.messagesIn.Inc()
		s.pushEvent(Event{Type: EventMessage, Conn: ConnID(c.fd), Msg: msg})
	})
	if err != nil {
		s.metrics.framingErrors.Inc()
		s.logger.Warn("framing violation", "fd", c.fd, "error", err)
		s.pushEvent(Event{Type: EventError, Conn: ConnID(c.fd), Err: err})
		s.teardown(c, true)
	}
}

// writeConn services write readiness by resuming the pending frame.
func (s *Server) writeConn(c *conn) {
	wrote, done, err := c.flushSend()
	if wrote > 0 {
		s.metrics.bytesOut.Add(float64(wrote))
	}
	if err != nil {
		s.logger.Debug("write failed", "fd", c.fd, "error", err)
		s.teardown(c, true)
		return
	}
	if done {
		s.logger.Debug("outbound frame drained", "fd", c.fd)
	}
}

// teardown closes and unregisters c. With emit set a Disconnected event is
// queued; Shutdown tears connections down silently. Idempotent per record.
func (s *Server) teardown(c *conn, emit bool) {
	if !s.registered(c) {
		return
	}

	s.table.remove(c.fd)
	unix.Close(c.fd)
	c.state = StateDisconnected
	s.metrics.connsOpen.Dec()

	if emit {
		s.pushEvent(Event{Type: EventDisconnected, Conn: ConnID(c.fd)})
	}

	s.logger.Info("connection closed", "fd", c.fd)
}

// pushEvent queues ev; on overflow the newest event is dropped and counted.
func (s *Server) pushEvent(ev Event) {
	if !s.queue.push(ev) {
		s.metrics.eventsDropped.Inc()
		s.logger.Warn("event queue full, dropping event", "type", ev.Type, "fd", int(ev.Conn))
	}
}

// NextEvent pops the oldest queued event. Ownership of the event and its
// payload passes to the caller.
func (s *Server) NextEvent() (Event, bool) {
	return s.queue.pop()
}

// Send stages one frame for the connection and attempts immediate delivery.
//
// Returns:
//   - nil: the frame is fully buffered; any remainder the socket did not
//     take immediately drains under write readiness on later cycles
//   - ErrSendBusy: the previous frame has not fully drained yet
//   - ErrPayloadTooLarge: the frame would not fit the send buffer
//   - ErrConnNotFound / ErrServerClosed
//   - a transport error: the write failed hard and the connection was torn
//     down
func (s *Server) Send(id ConnID, msgID uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}

	c, ok := s.table.lookup(int(id))
	if !ok {
		return ErrConnNotFound
	}
	if c.hasPending() {
		return ErrSendBusy
	}
	if headerSize+len(payload) > c.out.capacity() {
		return ErrPayloadTooLarge
	}

	c.stageFrame(msgID, payload)
	s.metrics.messagesOut.Inc()

	wrote, _, err := c.flushSend()
	if wrote > 0 {
		s.metrics.bytesOut.Add(float64(wrote))
	}
	if err != nil {
		s.logger.Debug("write failed", "fd", c.fd, "error", err)
		s.teardown(c, true)
		return err
	}

	return nil
}

// Disconnect tears down one connection and queues its Disconnected event.
func (s *Server) Disconnect(id ConnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}

	c, ok := s.table.lookup(int(id))
	if !ok {
		return ErrConnNotFound
	}

	s.teardown(c, true)
	return nil
}

// ConnCount returns the number of registered connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.count()
}

// Context returns the opaque application slot for the connection. The
// transport stores the slot but never interprets it.
func (s *Server) Context(id ConnID) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.table.lookup(int(id))
	if !ok {
		return nil, ErrConnNotFound
	}
	return c.appCtx, nil
}

// SetContext stores v in the connection's application slot.
func (s *Server) SetContext(id ConnID, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.table.lookup(int(id))
	if !ok {
		return ErrConnNotFound
	}
	c.appCtx = v
	return nil
}

// State returns the connection's lifecycle state.
func (s *Server) State(id ConnID) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.table.lookup(int(id))
	if !ok {
		return StateDisconnected, ErrConnNotFound
	}
	return c.state, nil
}

// SetState moves the connection's lifecycle state. The transport only ever
// sets connected and disconnected itself; authenticated and in-game are the
// consumer's transitions to make, and no ordering policy is enforced here.
func (s *Server) SetState(id ConnID, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.table.lookup(int(id))
	if !ok {
		return ErrConnNotFound
	}
	c.state = st
	return nil
}

// Shutdown closes every connection and the listener. Connections are torn
// down without events and the queue is cleared. Safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for _, c := range s.table.conns {
		unix.Close(c.fd)
		c.state = StateDisconnected
	}
	s.table = newConnTable(s.opts.maxConns)
	s.metrics.connsOpen.Set(0)

	unix.Close(s.listenFd)
	s.queue.clear()

	s.logger.Info("server shutdown complete", "port", s.port)
}

// Run drives the reactor until ctx is canceled: one readiness wait bounded
// by the configured poll interval, then a full drain of the event queue
// through d. Handlers run on the reactor goroutine, so they may call Send
// and the lifecycle mutators freely.
func (s *Server) Run(ctx context.Context, d *Dispatcher) error {
	interval := int(s.opts.pollInterval / time.Millisecond)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := s.Poll(interval); err != nil {
			return err
		}

		for {
			ev, ok := s.NextEvent()
			if !ok {
				break
			}
			d.Dispatch(ev)
		}
	}
}

// sockaddrString renders a peer address for logs.
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]), a.Port)
	default:
		return "unknown"
	}
}
