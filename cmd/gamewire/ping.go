package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"github.com/Zereker/gamewire"
)

func pingCmd() *cobra.Command {
	var (
		host    string
		port    int
		timeout int
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a server answers framed messages",
		Long: `Connect to a server, send one framed message and wait for a reply.

The probe sends GET_ONLINE_USERS with an empty payload; any framed
reply counts. Prints the round-trip result as JSON.

Examples:
  gamewire ping
  gamewire ping --host=game.example.com --port=8765
  gamewire ping --timeout=500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(host, port, timeout)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "127.0.0.1", "Server host")
	cmd.Flags().IntVarP(&port, "port", "p", 8765, "Server port")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 2000, "Reply timeout in milliseconds")

	return cmd
}

// pingResult is the JSON structure printed on success.
type pingResult struct {
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Reply     string  `json:"reply"`
	ReplySize int     `json:"reply_size"`
	LatencyMs float64 `json:"latency_ms"`
}

func runPing(host string, port, timeout int) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cl, err := gamewire.Dial(host, port, gamewire.LoggerOption(logger))
	if err != nil {
		return err
	}
	defer cl.Close()

	start := time.Now()
	if err := cl.Send(gamewire.MsgGetOnlineUsers, nil); err != nil {
		return err
	}

	deadline := start.Add(time.Duration(timeout) * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := cl.Poll(50); err != nil {
			return err
		}

		for {
			ev, ok := cl.NextEvent()
			if !ok {
				break
			}

			switch ev.Type {
			case gamewire.EventMessage:
				out, err := sonnet.MarshalIndent(pingResult{
					Host:      host,
					Port:      port,
					Reply:     gamewire.MessageName(ev.Msg.ID),
					ReplySize: len(ev.Msg.Payload),
					LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			case gamewire.EventDisconnected:
				return errors.New("server closed the connection")
			case gamewire.EventError:
				return ev.Err
			}
		}
	}

	return fmt.Errorf("no reply within %dms", timeout)
}
