package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/phoenix"
	"github.com/ashita-ai/kansoku/internal/service/execution"
	"github.com/ashita-ai/kansoku/internal/studio"
	"github.com/ashita-ai/kansoku/internal/transcript"
)

const cliSessionID = "cli"

func newWatchCmd() *cobra.Command {
	var (
		traceID      string
		workflowID   string
		topologyFile string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Observe one run in process and print each snapshot as a JSON line",
		Long: `Polls the tracing backend for one trace and prints every state change as a
JSON line on stdout until the run completes or fails. The exit status is
non-zero when the run fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidatePhoenix(); err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := slog.Default()

			source, err := newTraceSource(ctx, cfg)
			if err != nil {
				return err
			}
			topo, err := loadTopology(ctx, cfg, workflowID, topologyFile)
			if err != nil {
				return err
			}

			d := execution.NewDriver(execution.DriverConfig{
				SessionID:    cliSessionID,
				Topology:     topo,
				Source:       source,
				Logger:       logger,
				PollInterval: cfg.PollInterval,
				FetchTimeout: cfg.FetchTimeout,
				Transcript:   transcript.Options{IncludeCompletions: cfg.TranscriptIncludeCompletions},
			})
			defer d.Close()

			ch, unsubscribe := d.Subscribe()
			defer unsubscribe()
			if err := d.SetTrace(ctx, traceID); err != nil {
				return err
			}
			return printSnapshots(ctx, ch, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id of the run to observe")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id to load from Agent Studio")
	cmd.Flags().StringVar(&topologyFile, "topology", "", "YAML topology file to use instead of Agent Studio")
	_ = cmd.MarkFlagRequired("trace")
	cmd.MarkFlagsOneRequired("workflow", "topology")
	cmd.MarkFlagsMutuallyExclusive("workflow", "topology")
	return cmd
}

func newTraceSource(ctx context.Context, cfg config.Config) (*phoenix.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	baseURL, err := phoenix.ResolveURL(ctx, cfg.PhoenixURL, phoenix.DiscoverConfig{
		Domain:    cfg.CDSWDomain,
		ProjectID: cfg.CDSWProject,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("phoenix discovery: %w", err)
	}
	return phoenix.NewClient(phoenix.Config{
		BaseURL:      baseURL,
		APIKey:       cfg.APIKey,
		CABundlePath: cfg.CABundlePath,
		Timeout:      cfg.FetchTimeout,
	})
}

func loadTopology(ctx context.Context, cfg config.Config, workflowID, file string) (model.Topology, error) {
	var src execution.TopologySource
	if file != "" {
		static, err := studio.LoadTopologyFile(file)
		if err != nil {
			return model.Topology{}, err
		}
		src = static
	} else {
		client, err := studio.NewClient(studio.Config{BaseURL: cfg.StudioURL})
		if err != nil {
			return model.Topology{}, err
		}
		src = client
	}
	return src.LoadTopology(ctx, workflowID)
}

// printSnapshots writes each distinct snapshot as one JSON line until the
// run reaches a terminal status, the channel closes or ctx is cancelled.
func printSnapshots(ctx context.Context, ch <-chan model.Snapshot, w io.Writer) error {
	enc := json.NewEncoder(w)
	var last uint64
	printed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return fmt.Errorf("session closed before the run finished")
			}
			if printed && snap.Sequence == last {
				continue
			}
			if snap.Status == model.RunStatusIdle {
				continue
			}
			if err := enc.Encode(snap); err != nil {
				return err
			}
			last, printed = snap.Sequence, true
			switch snap.Status {
			case model.RunStatusCompleted:
				return nil
			case model.RunStatusFailed:
				return fmt.Errorf("run failed: %s", snap.Error)
			}
		}
	}
}
