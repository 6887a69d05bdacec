package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/gamewire"
)

const listenPort = 12345

// startServer runs a minimal game endpoint: it answers login with a success
// payload and relays each move back as the new game state.
func startServer(ctx context.Context) (*gamewire.Server, error) {
	server, err := gamewire.NewServer(listenPort)
	if err != nil {
		return nil, err
	}

	d := gamewire.NewDispatcher(nil)
	d.OnConnect(func(id gamewire.ConnID) {
		slog.Info("player connected", "conn", int(id))
	})
	d.OnDisconnect(func(id gamewire.ConnID) {
		slog.Info("player left", "conn", int(id))
	})
	d.Handle(gamewire.MsgLogin, func(conn gamewire.ConnID, msg gamewire.Message) {
		_ = server.SetState(conn, gamewire.StateAuthenticated)
		_ = server.SetContext(conn, string(msg.Payload))
		if err := server.Send(conn, gamewire.MsgLoginResult, []byte(`{"success":true}`)); err != nil {
			slog.Error("send failed", "error", err)
		}
	})
	d.Handle(gamewire.MsgMakeMove, func(conn gamewire.ConnID, msg gamewire.Message) {
		if err := server.Send(conn, gamewire.MsgGameStateUpdate, msg.Payload); err != nil {
			slog.Error("send failed", "error", err)
		}
	})

	go func() {
		if err := server.Run(ctx, d); err != nil {
			slog.Debug("server loop done", "reason", err)
		}
	}()

	return server, nil
}

// playClient dials the server, logs in, sends one move and waits for the
// resulting game state.
func playClient() error {
	client, err := gamewire.Dial("127.0.0.1", listenPort)
	if err != nil {
		return err
	}
	defer client.Close()

	if err = client.Send(gamewire.MsgLogin, []byte(`{"username":"casual_knight"}`)); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Poll(100); err != nil {
			return err
		}

		for {
			ev, ok := client.NextEvent()
			if !ok {
				break
			}

			if ev.Type != gamewire.EventMessage {
				slog.Info("client event", "type", ev.Type.String())
				continue
			}

			switch ev.Msg.ID {
			case gamewire.MsgLoginResult:
				slog.Info("logged in", "reply", string(ev.Msg.Payload))
				if err := client.Send(gamewire.MsgMakeMove, []byte(`{"from":"e2","to":"e4"}`)); err != nil {
					return err
				}
			case gamewire.MsgGameStateUpdate:
				slog.Info("board updated", "state", string(ev.Msg.Payload))
				return nil
			}
		}
	}

	return fmt.Errorf("no game state within 5s")
}

func main() {
	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	server, err := startServer(ctx)
	if err != nil {
		panic(err)
	}
	defer server.Shutdown()

	if err := playClient(); err != nil {
		slog.Error("round trip failed", "error", err)
		return
	}

	slog.Info("round trip complete")
}
