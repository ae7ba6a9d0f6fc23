package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/friespotatotissue/please/internal/client"
	"github.com/friespotatotissue/please/internal/protocol"
)

// scale is what the bot plays, one note per tick.
var scale = []string{"c4", "d4", "e4", "f4", "g4", "a4", "b4", "c5"}

type botOptions struct {
	URL      string
	Room     string
	Name     string
	Token    string
	Notes    int
	Interval time.Duration
}

func botCmd() *cobra.Command {
	opts := botOptions{
		URL:      "ws://localhost:8080/ws",
		Room:     "lobby",
		Name:     "please bot",
		Interval: 250 * time.Millisecond,
	}
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Join a room and play a scale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), opts)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.URL, "url", opts.URL, "Server websocket URL")
	fs.StringVar(&opts.Room, "room", opts.Room, "Room to join")
	fs.StringVar(&opts.Name, "name", opts.Name, "Display name")
	fs.StringVar(&opts.Token, "token", opts.Token, "Identity token")
	fs.IntVar(&opts.Notes, "notes", opts.Notes, "Stop after this many notes; 0 plays until interrupted")
	fs.DurationVar(&opts.Interval, "interval", opts.Interval, "Time between notes")
	return cmd
}

// runBot plays until ctx ends or opts.Notes notes were sent.
func runBot(ctx context.Context, opts botOptions) error {
	if opts.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	c, err := client.New(opts.URL, client.Options{
		Token: opts.Token,
		OnEnvelope: func(typ string, raw json.RawMessage) {
			if typ != protocol.TypeChat {
				return
			}
			var msg protocol.ChatMessage
			if json.Unmarshal(raw, &msg) == nil {
				slog.Info("chat", "from", msg.P.Name, "text", msg.A)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("bot client: %w", err)
	}
	_ = c.SetChannel(opts.Room, nil)
	c.Start(ctx)
	defer c.Stop()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var (
		named  bool
		played int
		prev   string
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("bot stopped", "notes", played)
			return nil
		case <-ticker.C:
		}
		if c.ParticipantID() == 0 {
			continue
		}
		if !named && opts.Name != "" {
			named = c.SetUser(opts.Name, "") == nil
			if named {
				slog.Info("bot joined", "room", opts.Room, "name", opts.Name)
			}
		}

		note := scale[played%len(scale)]
		if prev != "" {
			c.StopNote(prev)
		}
		if !c.StartNote(note, 0.5) {
			slog.Debug("bot cannot play here", "room", opts.Room)
			continue
		}
		prev = note
		played++

		if opts.Notes > 0 && played >= opts.Notes {
			c.StopNote(note)
			// Let the last batch flush.
			select {
			case <-ctx.Done():
			case <-time.After(2 * client.DefaultFlushInterval):
			}
			slog.Info("bot finished", "notes", played)
			return nil
		}
	}
}
