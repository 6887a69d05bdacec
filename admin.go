package gamewire

import (
	"context"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sugawarayuuta/sonnet"
)

// AdminServer exposes operational endpoints for a transport Server over
// HTTP: health, a connection table snapshot and Prometheus metrics. All
// responses are JSON except /metrics. Intended for internal networks only.
type AdminServer struct {
	transport *Server
	logger    Logger
	started   time.Time

	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to addr. The server does not
// accept requests until Start is called.
func NewAdminServer(t *Server, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	as := &AdminServer{
		transport: t,
		logger:    t.logger,
		started:   time.Now(),
		listener:  ln,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", as.handleHealthz)
	r.Get("/connz", as.handleConnz)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(t.opts.registry, promhttp.HandlerOpts{}))
	r.Mount("/debug", middleware.Profiler())

	as.server = &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			as.logger.Error("admin server error", "error", err)
		}
	}()
	as.logger.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// healthzResponse is the JSON structure for GET /healthz.
type healthzResponse struct {
	Status       string `json:"status"`
	ListenPort   int    `json:"listen_port"`
	Connections  int    `json:"connections"`
	EventsQueued int    `json:"events_queued"`
	UptimeMs     int64  `json:"uptime_ms"`
}

func (as *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthzResponse{
		Status:       "ok",
		ListenPort:   as.transport.Port(),
		Connections:  as.transport.ConnCount(),
		EventsQueued: as.transport.queue.len(),
		UptimeMs:     time.Since(as.started).Milliseconds(),
	})
}

// connEntry is a single connection in the GET /connz response.
type connEntry struct {
	ID           int    `json:"id"`
	State        string `json:"state"`
	RecvBuffered int    `json:"recv_buffered"`
	SendPending  int    `json:"send_pending"`
	HasContext   bool   `json:"has_context"`
}

// connzResponse is the JSON structure for GET /connz.
type connzResponse struct {
	Count       int         `json:"count"`
	Connections []connEntry `json:"connections"`
}

func (as *AdminServer) handleConnz(w http.ResponseWriter, r *http.Request) {
	t := as.transport

	t.mu.Lock()
	entries := make([]connEntry, 0, t.table.count())
	for _, c := range t.table.conns {
		entries = append(entries, connEntry{
			ID:           c.fd,
			State:        c.state.String(),
			RecvBuffered: c.in.len(),
			SendPending:  c.out.len() - c.sendOff,
			HasContext:   c.appCtx != nil,
		})
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	writeJSON(w, connzResponse{Count: len(entries), Connections: entries})
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
