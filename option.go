package gamewire

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default configuration values.
const (
	// defaultMaxConns is the connection table capacity on the server side.
	defaultMaxConns = 1024
	// defaultBufferSize is the per-connection buffer capacity C: the largest
	// wire frame, header included, the transport will carry in either
	// direction.
	defaultBufferSize = 64 * 1024
	// defaultQueueSize is the event queue capacity.
	defaultQueueSize = 1024
	// defaultPollInterval bounds each readiness wait inside Run.
	defaultPollInterval = 100 * time.Millisecond
)

// ErrInvalidBufferSize is returned when the configured buffer capacity could
// not hold even a frame header.
var ErrInvalidBufferSize = errors.New("gamewire: buffer size must exceed header size")

// options holds the configuration shared by Server and Client.
type options struct {
	maxConns     int
	bufferSize   int
	queueSize    int
	pollInterval time.Duration
	logger       Logger
	registry     *prometheus.Registry
}

// Option is a function that configures transport options.
type Option func(*options)

// MaxConnsOption returns an Option that sets the connection table capacity.
// Peers arriving beyond it are closed at accept time without registration.
// Server side only; the client is a single connection.
func MaxConnsOption(n int) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// BufferSizeOption returns an Option that sets the per-connection buffer
// capacity C. Frames larger than C, header included, can be neither sent nor
// received; a peer declaring one is disconnected.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// QueueSizeOption returns an Option that sets the event queue capacity.
// When the queue is full the newest event is dropped, never the reactor
// blocked.
func QueueSizeOption(size int) Option {
	return func(o *options) {
		o.queueSize = size
	}
}

// PollIntervalOption returns an Option that sets the readiness-wait bound
// used by Run. Shorter intervals notice context cancellation sooner at the
// cost of more idle wakeups.
func PollIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsRegistryOption returns an Option that sets the Prometheus registry
// the instance's instrumentation registers on. Each instance defaults to a
// private registry, which the admin endpoint serves; pass a shared registry
// to aggregate several instances.
func MetricsRegistryOption(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// checkOptions validates options and fills in default values.
func checkOptions(opts *options) error {
	if opts.maxConns <= 0 {
		opts.maxConns = defaultMaxConns
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}
	if opts.bufferSize <= headerSize {
		return ErrInvalidBufferSize
	}

	if opts.queueSize <= 0 {
		opts.queueSize = defaultQueueSize
	}

	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.registry == nil {
		opts.registry = prometheus.NewRegistry()
	}

	return nil
}
