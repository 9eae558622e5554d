package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku/internal/model"
)

func newFollowCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "follow SERVER_URL",
		Short: "Stream events from a running kansoku server",
		Long: `Subscribes to a kansoku server's Server-Sent Events stream and prints each
event as "<event> <data>". With --session it follows one session's snapshots
and exits when the run finishes; otherwise it prints session lifecycle events
until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streamURL, err := followURL(args[0], sessionID)
			if err != nil {
				return err
			}
			return follow(cmd.Context(), streamURL, sessionID != "", cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "follow a single session's snapshots")
	return cmd
}

func followURL(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid server url: %q", base)
	}
	if sessionID != "" {
		return u.JoinPath("v1", "sessions", sessionID, "subscribe").String(), nil
	}
	return u.JoinPath("v1", "subscribe").String(), nil
}

// follow prints events from streamURL. When untilDone is set it returns once
// a snapshot reaches a terminal status or the server reports the session
// closed.
func follow(ctx context.Context, streamURL string, untilDone bool, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	client := sse.NewClient(streamURL)
	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		fmt.Fprintf(w, "%s %s\n", msg.Event, msg.Data)
		if !untilDone {
			return
		}
		switch string(msg.Event) {
		case "closed":
			cancel()
		case "snapshot":
			var snap model.Snapshot
			if json.Unmarshal(msg.Data, &snap) != nil {
				return
			}
			if snap.Status == model.RunStatusFailed {
				runErr = fmt.Errorf("run failed: %s", snap.Error)
			}
			if snap.Status.Terminal() {
				cancel()
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("follow %s: %w", streamURL, err)
	}
	return runErr
}
