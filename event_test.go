package gamewire

import "testing"

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue(4)

	for i := 0; i < 3; i++ {
		if !q.push(Event{Type: EventMessage, Conn: ConnID(i)}) {
			t.Fatalf("push %d failed", i)
		}
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}

	for i := 0; i < 3; i++ {
		ev, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if ev.Conn != ConnID(i) {
			t.Errorf("pop %d: conn = %d, want %d", i, ev.Conn, i)
		}
	}

	if _, ok := q.pop(); ok {
		t.Error("pop on empty queue succeeded")
	}
}

func TestEventQueue_OverflowDropsNewest(t *testing.T) {
	q := newEventQueue(2)

	if !q.push(Event{Conn: 1}) || !q.push(Event{Conn: 2}) {
		t.Fatal("filling the queue failed")
	}

	// The incoming event is refused; the resident two stay untouched.
	if q.push(Event{Conn: 3}) {
		t.Fatal("push into a full queue succeeded")
	}

	ev, _ := q.pop()
	if ev.Conn != 1 {
		t.Errorf("first pop: conn = %d, want 1", ev.Conn)
	}
	ev, _ = q.pop()
	if ev.Conn != 2 {
		t.Errorf("second pop: conn = %d, want 2", ev.Conn)
	}
}

func TestEventQueue_WrapAround(t *testing.T) {
	q := newEventQueue(3)

	// Interleave pushes and pops so the ring indices lap the slice.
	next := 0
	for round := 0; round < 10; round++ {
		q.push(Event{Conn: ConnID(round * 2)})
		q.push(Event{Conn: ConnID(round*2 + 1)})

		for i := 0; i < 2; i++ {
			ev, ok := q.pop()
			if !ok {
				t.Fatalf("round %d: pop failed", round)
			}
			if ev.Conn != ConnID(next) {
				t.Fatalf("round %d: conn = %d, want %d", round, ev.Conn, next)
			}
			next++
		}
	}
}

func TestEventQueue_Clear(t *testing.T) {
	q := newEventQueue(4)
	q.push(Event{Conn: 1})
	q.push(Event{Conn: 2})

	q.clear()

	if q.len() != 0 {
		t.Errorf("len = %d after clear, want 0", q.len())
	}
	if _, ok := q.pop(); ok {
		t.Error("pop after clear succeeded")
	}

	// The queue stays usable.
	if !q.push(Event{Conn: 7}) {
		t.Fatal("push after clear failed")
	}
	ev, _ := q.pop()
	if ev.Conn != 7 {
		t.Errorf("conn = %d, want 7", ev.Conn)
	}
}

func TestEventType_String(t *testing.T) {
	cases := []struct {
		typ  EventType
		want string
	}{
		{EventConnected, "connected"},
		{EventDisconnected, "disconnected"},
		{EventMessage, "message"},
		{EventError, "error"},
		{EventType(42), "unknown"},
	}
	for _, c := range cases {
		if got := c.typ.String(); got != c.want {
			t.Errorf("EventType(%d).String() = %q, want %q", c.typ, got, c.want)
		}
	}
}
