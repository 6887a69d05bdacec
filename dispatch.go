package gamewire

// HandlerFunc consumes one decoded message.
type HandlerFunc func(conn ConnID, msg Message)

// Dispatcher routes drained events to registered handlers: one handler per
// message id plus lifecycle hooks for connects, disconnects and transport
// errors. Register everything before the reactor starts; registration is not
// synchronized with Dispatch.
type Dispatcher struct {
	logger   Logger
	handlers map[uint16]HandlerFunc
	fallback HandlerFunc

	onConnect    func(ConnID)
	onDisconnect func(ConnID)
	onError      func(ConnID, error)
}

// NewDispatcher creates an empty dispatcher. A nil logger falls back to the
// process default.
func NewDispatcher(logger Logger) *Dispatcher {
	if logger == nil {
		logger = defaultLogger()
	}

	return &Dispatcher{
		logger:   logger,
		handlers: make(map[uint16]HandlerFunc),
	}
}

// Handle registers fn for one message id, replacing any previous handler.
func (d *Dispatcher) Handle(msgID uint16, fn HandlerFunc) {
	d.handlers[msgID] = fn
}

// Default registers the handler for message ids with no specific handler.
func (d *Dispatcher) Default(fn HandlerFunc) {
	d.fallback = fn
}

// OnConnect registers the hook invoked for Connected events.
func (d *Dispatcher) OnConnect(fn func(ConnID)) {
	d.onConnect = fn
}

// OnDisconnect registers the hook invoked for Disconnected events.
func (d *Dispatcher) OnDisconnect(fn func(ConnID)) {
	d.onDisconnect = fn
}

// OnError registers the hook invoked for Error events.
func (d *Dispatcher) OnError(fn func(ConnID, error)) {
	d.onError = fn
}

// Dispatch routes one event. A message with no registered handler is logged
// and dropped; nothing a peer sends can make dispatch fail.
func (d *Dispatcher) Dispatch(ev Event) {
	switch ev.Type {
	case EventConnected:
		if d.onConnect != nil {
			d.onConnect(ev.Conn)
		}
	case EventDisconnected:
		if d.onDisconnect != nil {
			d.onDisconnect(ev.Conn)
		}
	case EventMessage:
		fn, ok := d.handlers[ev.Msg.ID]
		if !ok {
			fn = d.fallback
		}
		if fn == nil {
			d.logger.Warn("no handler for message",
				"type", MessageName(ev.Msg.ID), "id", ev.Msg.ID)
			return
		}
		fn(ev.Conn, ev.Msg)
	case EventError:
		if d.onError != nil {
			d.onError(ev.Conn, ev.Err)
		}
	}
}
