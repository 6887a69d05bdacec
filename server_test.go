package gamewire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opt ...Option) *Server {
	t.Helper()

	s, err := NewServer(0, append([]Option{LoggerOption(testLogger())}, opt...)...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

// dialTest connects a raw TCP peer to the server under test.
func dialTest(t *testing.T, s *Server) net.Conn {
	t.Helper()

	peer, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return peer
}

func writeFrame(t *testing.T, w io.Writer, id uint16, payload []byte) {
	t.Helper()

	buf := make([]byte, headerSize+len(payload))
	encodeFrame(buf, id, payload)
	if _, err := w.Write(buf); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
}

func readFrame(t *testing.T, peer net.Conn) (uint16, []byte) {
	t.Helper()

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(peer, header); err != nil {
		t.Fatalf("read frame header failed: %v", err)
	}
	id := binary.BigEndian.Uint16(header[0:2])
	payload := make([]byte, binary.BigEndian.Uint32(header[2:6]))
	if _, err := io.ReadFull(peer, payload); err != nil {
		t.Fatalf("read frame payload failed: %v", err)
	}
	return id, payload
}

// pollUntil drives reactor cycles, accumulating drained events until done
// reports the accumulated slice is sufficient.
func pollUntil(t *testing.T, s *Server, done func([]Event) bool) []Event {
	t.Helper()

	var events []Event
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Poll(10); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		for {
			ev, ok := s.NextEvent()
			if !ok {
				break
			}
			events = append(events, ev)
		}
		if done(events) {
			return events
		}
	}
	t.Fatalf("condition not reached, events so far: %v", events)
	return nil
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// acceptOne connects a peer and runs the reactor until its Connected event
// arrives.
func acceptOne(t *testing.T, s *Server) (net.Conn, ConnID) {
	t.Helper()

	peer := dialTest(t, s)
	events := pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventConnected)) >= 1
	})
	return peer, eventsOfType(events, EventConnected)[0].Conn
}

func TestNewServer_EphemeralPort(t *testing.T) {
	s := newTestServer(t)

	if s.Port() == 0 {
		t.Error("ephemeral bind reported port 0")
	}
}

func TestNewServer_PortTaken(t *testing.T) {
	s1 := newTestServer(t)

	_, err := NewServer(s1.Port(), LoggerOption(testLogger()))
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestServer_AcceptEmitsConnected(t *testing.T) {
	s := newTestServer(t)

	_, id := acceptOne(t, s)

	st, err := s.State(id)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st != StateConnected {
		t.Errorf("state = %v, want %v", st, StateConnected)
	}
	if n := s.ConnCount(); n != 1 {
		t.Errorf("ConnCount = %d, want 1", n)
	}
}

func TestServer_MessageRoundTrip(t *testing.T) {
	s := newTestServer(t)
	peer, id := acceptOne(t, s)

	move := []byte(`{"from":"e2","to":"e4"}`)
	writeFrame(t, peer, MsgMakeMove, move)

	events := pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventMessage)) >= 1
	})
	got := eventsOfType(events, EventMessage)[0]
	if got.Conn != id {
		t.Errorf("message from conn %d, want %d", got.Conn, id)
	}
	if got.Msg.ID != MsgMakeMove {
		t.Errorf("message id = 0x%04X, want 0x%04X", got.Msg.ID, MsgMakeMove)
	}
	if !bytes.Equal(got.Msg.Payload, move) {
		t.Errorf("payload = %q, want %q", got.Msg.Payload, move)
	}

	state := []byte(`{"turn":"black"}`)
	if err := s.Send(id, MsgGameStateUpdate, state); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	replyID, replyPayload := readFrame(t, peer)
	if replyID != MsgGameStateUpdate {
		t.Errorf("reply id = 0x%04X, want 0x%04X", replyID, MsgGameStateUpdate)
	}
	if !bytes.Equal(replyPayload, state) {
		t.Errorf("reply payload = %q, want %q", replyPayload, state)
	}
}

func TestServer_FragmentedFrame(t *testing.T) {
	s := newTestServer(t)
	peer, _ := acceptOne(t, s)

	frame := make([]byte, headerSize+4)
	encodeFrame(frame, MsgMakeMove, []byte("e2e4"))

	// Deliver everything but the last byte; no message may surface from an
	// incomplete frame no matter how many cycles run.
	if _, err := peer.Write(frame[:len(frame)-1]); err != nil {
		t.Fatalf("partial write failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.Poll(10); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		for {
			ev, ok := s.NextEvent()
			if !ok {
				break
			}
			if ev.Type == EventMessage {
				t.Fatal("message emitted before the frame completed")
			}
		}
	}

	if _, err := peer.Write(frame[len(frame)-1:]); err != nil {
		t.Fatalf("final write failed: %v", err)
	}
	events := pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventMessage)) >= 1
	})

	got := eventsOfType(events, EventMessage)[0].Msg
	if got.ID != MsgMakeMove || string(got.Payload) != "e2e4" {
		t.Errorf("message = %v after reassembly", got)
	}
}

func TestServer_TwoFramesOneWrite(t *testing.T) {
	s := newTestServer(t)
	peer, _ := acceptOne(t, s)

	batch := make([]byte, 0, 64)
	first := make([]byte, headerSize+5)
	encodeFrame(first, MsgLogin, []byte("alice"))
	second := make([]byte, headerSize)
	encodeFrame(second, MsgFindMatch, nil)
	batch = append(append(batch, first...), second...)

	if _, err := peer.Write(batch); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	events := pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventMessage)) >= 2
	})
	msgs := eventsOfType(events, EventMessage)
	if msgs[0].Msg.ID != MsgLogin || msgs[1].Msg.ID != MsgFindMatch {
		t.Errorf("order = 0x%04X, 0x%04X; want LOGIN then FIND_MATCH",
			msgs[0].Msg.ID, msgs[1].Msg.ID)
	}
}

func TestServer_MaxConnsRejectsSilently(t *testing.T) {
	s := newTestServer(t, MaxConnsOption(2))

	acceptOne(t, s)
	acceptOne(t, s)

	// The third peer is closed at accept with no event on either side of the
	// queue; it observes a bare EOF.
	third := dialTest(t, s)
	readDone := make(chan error, 1)
	go func() {
		third.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := third.Read(make([]byte, 1))
		readDone <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case err := <-readDone:
			if err != io.EOF {
				t.Fatalf("rejected peer read error = %v, want io.EOF", err)
			}
			if n := s.ConnCount(); n != 2 {
				t.Errorf("ConnCount = %d, want 2", n)
			}
			if ev, ok := s.NextEvent(); ok {
				t.Errorf("unexpected event after rejection: %v", ev)
			}
			return
		default:
			if time.Now().After(deadline) {
				t.Fatal("timeout waiting for rejected peer to see EOF")
			}
			if _, err := s.Poll(10); err != nil {
				t.Fatalf("Poll failed: %v", err)
			}
		}
	}
}

func TestServer_PeerCloseEmitsDisconnected(t *testing.T) {
	s := newTestServer(t)
	peer, id := acceptOne(t, s)

	peer.Close()

	events := pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventDisconnected)) >= 1
	})
	if got := eventsOfType(events, EventDisconnected)[0].Conn; got != id {
		t.Errorf("disconnected conn = %d, want %d", got, id)
	}

	if _, err := s.State(id); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("State after close: err = %v, want ErrConnNotFound", err)
	}
	if err := s.Send(id, MsgGameOver, nil); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("Send after close: err = %v, want ErrConnNotFound", err)
	}
}

func TestServer_MidFrameCloseNoMessage(t *testing.T) {
	s := newTestServer(t)
	peer, _ := acceptOne(t, s)

	// Half a header, then gone.
	if _, err := peer.Write([]byte{0x00, 0x20, 0x00}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	peer.Close()

	events := pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventDisconnected)) >= 1
	})
	if msgs := eventsOfType(events, EventMessage); len(msgs) != 0 {
		t.Errorf("got %d messages from a truncated frame, want 0", len(msgs))
	}
}

func TestServer_OversizeDeclarationFaultsConn(t *testing.T) {
	s := newTestServer(t, BufferSizeOption(128))
	peer, id := acceptOne(t, s)

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], MsgMakeMove)
	binary.BigEndian.PutUint32(header[2:6], 1<<20)
	if _, err := peer.Write(header); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	events := pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventDisconnected)) >= 1
	})

	errs := eventsOfType(events, EventError)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1", len(errs))
	}
	if !errors.Is(errs[0].Err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", errs[0].Err)
	}
	if errs[0].Conn != id {
		t.Errorf("error conn = %d, want %d", errs[0].Conn, id)
	}

	// Diagnostic detail first, teardown report second.
	var errIdx, discIdx int
	for i, ev := range events {
		switch ev.Type {
		case EventError:
			errIdx = i
		case EventDisconnected:
			discIdx = i
		}
	}
	if errIdx > discIdx {
		t.Error("Error event queued after Disconnected")
	}
}

func TestServer_SendValidation(t *testing.T) {
	s := newTestServer(t, BufferSizeOption(64))
	_, id := acceptOne(t, s)

	if err := s.Send(ConnID(99999), MsgGameOver, nil); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("unknown conn: err = %v, want ErrConnNotFound", err)
	}

	// The largest payload is capacity minus header; one more byte is refused
	// before any bytes move.
	if err := s.Send(id, MsgGameStateUpdate, make([]byte, 64-headerSize)); err != nil {
		t.Errorf("full-size payload: err = %v", err)
	}
	err := s.Send(id, MsgGameStateUpdate, make([]byte, 64-headerSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversize payload: err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestServer_SendBusy(t *testing.T) {
	s := newTestServer(t)
	peer, id := acceptOne(t, s)

	// Stage a frame without flushing so the in-flight slot is occupied.
	s.mu.Lock()
	c, ok := s.table.lookup(int(id))
	if !ok {
		s.mu.Unlock()
		t.Fatal("connection not registered")
	}
	c.stageFrame(MsgGameStart, []byte("white"))
	s.mu.Unlock()

	if err := s.Send(id, MsgGameStateUpdate, []byte("x")); !errors.Is(err, ErrSendBusy) {
		t.Fatalf("err = %v, want ErrSendBusy", err)
	}

	// Write readiness drains the staged frame, freeing the slot.
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		pending := c.hasPending()
		s.mu.Unlock()
		if !pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("staged frame never drained")
		}
		if _, err := s.Poll(10); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}

	if err := s.Send(id, MsgGameStateUpdate, []byte("x")); err != nil {
		t.Fatalf("Send after drain failed: %v", err)
	}

	// Both frames arrive, staged first.
	id1, p1 := readFrame(t, peer)
	if id1 != MsgGameStart || string(p1) != "white" {
		t.Errorf("first frame = 0x%04X %q", id1, p1)
	}
	id2, _ := readFrame(t, peer)
	if id2 != MsgGameStateUpdate {
		t.Errorf("second frame id = 0x%04X, want GAME_STATE_UPDATE", id2)
	}
}

func TestServer_PartialWriteResumes(t *testing.T) {
	s := newTestServer(t)
	peer, id := acceptOne(t, s)

	// Shrink the kernel send buffer so a large frame cannot leave in one
	// write and the cursor has to resume under write readiness.
	if err := unix.SetsockoptInt(int(id), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
		t.Fatalf("setsockopt failed: %v", err)
	}

	payload := make([]byte, 48*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	if err := s.Send(id, MsgReplayData, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	type result struct {
		id      uint16
		payload []byte
		err     error
	}
	readDone := make(chan result, 1)
	go func() {
		peer.SetReadDeadline(time.Now().Add(5 * time.Second))
		raw := make([]byte, headerSize+len(payload))
		if _, err := io.ReadFull(peer, raw); err != nil {
			readDone <- result{err: err}
			return
		}
		readDone <- result{
			id:      binary.BigEndian.Uint16(raw[0:2]),
			payload: raw[headerSize:],
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case got := <-readDone:
			if got.err != nil {
				t.Fatalf("peer read failed: %v", got.err)
			}
			if got.id != MsgReplayData {
				t.Errorf("frame id = 0x%04X, want REPLAY_DATA", got.id)
			}
			if !bytes.Equal(got.payload, payload) {
				t.Error("payload corrupted across resumed writes")
			}
			return
		default:
			if time.Now().After(deadline) {
				t.Fatal("timeout draining the resumed frame")
			}
			if _, err := s.Poll(10); err != nil {
				t.Fatalf("Poll failed: %v", err)
			}
		}
	}
}

func TestServer_DisconnectEmitsEvent(t *testing.T) {
	s := newTestServer(t)
	peer, id := acceptOne(t, s)

	if err := s.Disconnect(id); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	ev, ok := s.NextEvent()
	if !ok || ev.Type != EventDisconnected || ev.Conn != id {
		t.Errorf("event = %v %v, want Disconnected for conn %d", ev, ok, id)
	}

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := peer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read error = %v, want io.EOF", err)
	}

	if err := s.Disconnect(id); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("second Disconnect: err = %v, want ErrConnNotFound", err)
	}
}

func TestServer_StateAndContext(t *testing.T) {
	s := newTestServer(t)
	_, id := acceptOne(t, s)

	if err := s.SetState(id, StateAuthenticated); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	st, err := s.State(id)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if st != StateAuthenticated {
		t.Errorf("state = %v, want %v", st, StateAuthenticated)
	}

	type session struct{ username string }
	want := &session{username: "alice"}
	if err := s.SetContext(id, want); err != nil {
		t.Fatalf("SetContext failed: %v", err)
	}
	got, err := s.Context(id)
	if err != nil {
		t.Fatalf("Context failed: %v", err)
	}
	if got != want {
		t.Errorf("context = %v, want the stored pointer", got)
	}

	unknown := ConnID(99999)
	if _, err := s.Context(unknown); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("Context: err = %v, want ErrConnNotFound", err)
	}
	if err := s.SetContext(unknown, nil); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("SetContext: err = %v, want ErrConnNotFound", err)
	}
	if err := s.SetState(unknown, StateInGame); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("SetState: err = %v, want ErrConnNotFound", err)
	}
}

func TestServer_Shutdown(t *testing.T) {
	s := newTestServer(t)
	peer, _ := acceptOne(t, s)

	s.Shutdown()

	if _, err := s.Poll(0); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Poll after Shutdown: err = %v, want ErrServerClosed", err)
	}
	if err := s.Send(ConnID(1), MsgGameOver, nil); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Send after Shutdown: err = %v, want ErrServerClosed", err)
	}
	if ev, ok := s.NextEvent(); ok {
		t.Errorf("event survived Shutdown: %v", ev)
	}
	if n := s.ConnCount(); n != 0 {
		t.Errorf("ConnCount = %d, want 0", n)
	}

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := peer.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read error = %v, want io.EOF", err)
	}

	// Second Shutdown is a no-op.
	s.Shutdown()
}

func TestServer_Run(t *testing.T) {
	s := newTestServer(t, PollIntervalOption(10*time.Millisecond))

	received := make(chan Message, 1)
	d := NewDispatcher(testLogger())
	d.Handle(MsgMakeMove, func(conn ConnID, msg Message) {
		select {
		case received <- msg:
		default:
		}
		s.Send(conn, MsgGameStateUpdate, msg.Payload)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, d)
	}()

	peer := dialTest(t, s)
	writeFrame(t, peer, MsgMakeMove, []byte("g1f3"))

	select {
	case msg := <-received:
		if string(msg.Payload) != "g1f3" {
			t.Errorf("payload = %q, want g1f3", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler")
	}

	replyID, replyPayload := readFrame(t, peer)
	if replyID != MsgGameStateUpdate || string(replyPayload) != "g1f3" {
		t.Errorf("reply = 0x%04X %q", replyID, replyPayload)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
}

func TestServer_MetricsTrackTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestServer(t, MetricsRegistryOption(reg))
	peer, id := acceptOne(t, s)

	writeFrame(t, peer, MsgMakeMove, []byte("e2e4"))
	pollUntil(t, s, func(evs []Event) bool {
		return len(eventsOfType(evs, EventMessage)) >= 1
	})

	if err := s.Send(id, MsgGameStateUpdate, []byte("ok")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	vals := gatherValues(t, reg)
	checks := map[string]float64{
		"gamewire_connections_open{server}":        1,
		"gamewire_connections_total{server}":       1,
		"gamewire_messages_received_total{server}": 1,
		"gamewire_messages_sent_total{server}":     1,
		"gamewire_bytes_received_total{server}":    headerSize + 4,
		"gamewire_bytes_sent_total{server}":        headerSize + 2,
	}
	for name, want := range checks {
		if got := vals[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}
