package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/gamewire"
)

func serveCmd() *cobra.Command {
	var (
		port       int
		adminAddr  string
		maxConns   int
		bufferSize int
		queueSize  int
		pollMs     int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a frame echo server",
		Long: `Run a server that echoes every framed message back to its sender.

Useful as a wire-level smoke test target for game clients: connects,
disconnects and traffic are logged, and the optional admin listener
exposes /healthz, /connz and Prometheus /metrics.

Examples:
  gamewire serve
  gamewire serve --port=8765 --admin=:9100
  gamewire serve --max-conns=64 --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, adminAddr, maxConns, bufferSize, queueSize, pollMs, verbose)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8765, "TCP port to listen on (0 picks one)")
	cmd.Flags().StringVarP(&adminAddr, "admin", "a", "", "Admin HTTP address, e.g. :9100 (empty disables)")
	cmd.Flags().IntVarP(&maxConns, "max-conns", "c", 0, "Connection table capacity (0 uses the default)")
	cmd.Flags().IntVarP(&bufferSize, "buffer-size", "b", 0, "Per-connection buffer size in bytes (0 uses the default)")
	cmd.Flags().IntVarP(&queueSize, "queue-size", "q", 0, "Event queue capacity (0 uses the default)")
	cmd.Flags().IntVarP(&pollMs, "poll-interval", "i", 0, "Reactor wait per cycle in milliseconds (0 uses the default)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func runServe(port int, adminAddr string, maxConns, bufferSize, queueSize, pollMs int, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	srv, err := gamewire.NewServer(port,
		gamewire.MaxConnsOption(maxConns),
		gamewire.BufferSizeOption(bufferSize),
		gamewire.QueueSizeOption(queueSize),
		gamewire.PollIntervalOption(time.Duration(pollMs)*time.Millisecond),
		gamewire.LoggerOption(logger),
	)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	d := gamewire.NewDispatcher(logger)
	d.OnConnect(func(id gamewire.ConnID) {
		logger.Info("peer joined", "conn", int(id), "total", srv.ConnCount())
	})
	d.OnDisconnect(func(id gamewire.ConnID) {
		logger.Info("peer left", "conn", int(id), "total", srv.ConnCount())
	})
	d.OnError(func(id gamewire.ConnID, err error) {
		logger.Warn("peer error", "conn", int(id), "error", err)
	})
	d.Default(func(conn gamewire.ConnID, msg gamewire.Message) {
		logger.Debug("echoing", "conn", int(conn), "msg", msg.String())
		if err := srv.Send(conn, msg.ID, msg.Payload); err != nil {
			logger.Warn("echo failed", "conn", int(conn), "error", err)
		}
	})

	if adminAddr != "" {
		admin, err := gamewire.NewAdminServer(srv, adminAddr)
		if err != nil {
			return err
		}
		admin.Start()
		defer admin.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx, d)
	})

	// Shutdown wakes the reactor out of a readiness wait once the signal
	// lands, so the loop never rides out a full poll interval first.
	g.Go(func() error {
		<-ctx.Done()
		srv.Shutdown()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, gamewire.ErrServerClosed) {
		return err
	}

	logger.Info("bye")
	return nil
}
