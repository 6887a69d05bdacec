package gamewire

import "sync"

// EventType tags the variants of Event.
type EventType int

const (
	// EventConnected reports an established connection: an accepted peer on
	// the server side, a completed Dial on the client side.
	EventConnected EventType = iota
	// EventDisconnected reports the end of a connection, whether from an
	// orderly close, a transport error, or an explicit disconnect call.
	EventDisconnected
	// EventMessage carries one complete decoded frame.
	EventMessage
	// EventError carries diagnostic detail for a connection-level failure,
	// such as a framing violation. Teardown is reported separately.
	EventError
)

// String returns the event type name used in logs.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one unit handed from the transport to the consumer. Ownership of
// the event and its payload transfers on dequeue; the queue keeps no
// reference afterwards.
type Event struct {
	Type EventType

	// Conn identifies the originating connection on the server side. Client
	// events leave it zero: the client has exactly one connection.
	Conn ConnID

	// Msg is populated for EventMessage.
	Msg Message

	// Err is populated for EventError.
	Err error
}

// eventQueue is a bounded FIFO ring between the reactor (producer) and the
// consumer. The mutex makes the pair safe to run on different goroutines;
// neither side ever blocks on the other.
type eventQueue struct {
	mu    sync.Mutex
	slots []Event
	head  int
	count int
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{slots: make([]Event, capacity)}
}

// push appends ev, reporting false when the queue is already full. On
// overflow the caller drops the newest event; nothing is ever silently
// retained or overwritten.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.slots) {
		return false
	}

	q.slots[(q.head+q.count)%len(q.slots)] = ev
	q.count++
	return true
}

// pop removes and returns the oldest event. The vacated slot is cleared so
// the payload is released to the caller alone.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Event{}, false
	}

	ev := q.slots[q.head]
	q.slots[q.head] = Event{}
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	return ev, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// clear drops all queued events, releasing their payloads.
func (q *eventQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.slots {
		q.slots[i] = Event{}
	}
	q.head, q.count = 0, 0
}
