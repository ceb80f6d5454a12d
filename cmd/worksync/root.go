package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/worksync/internal/config"
	"github.com/agentworkforce/worksync/internal/localstore"
	"github.com/agentworkforce/worksync/internal/worksync"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "worksync",
		Short: "Offline-first work-order sync agent",
		Long: "worksync keeps a local cache of work orders and sites, queues edits made " +
			"while the authority is unreachable and replays them once it is back.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $HOME/.config/worksync/config.toml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// runtime is the set of collaborators every subcommand works against.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *worksync.HTTPClient
	monitor *worksync.Monitor
	agent   *worksync.Agent
}

func openRuntime(opts *RootOptions, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, opts.Verbose, stderr)

	store, err := localstore.BuildBackendFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := worksync.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token, &http.Client{Timeout: cfg.Remote.Timeout})
	client.SetRetryPolicy(cfg.Remote.MaxRetries, 100*time.Millisecond, 2*time.Second)

	monitor := worksync.NewMonitor(cfg.Connectivity.AssumeOnline, logger)
	agent, err := worksync.NewAgent(worksync.DefaultKinds(), worksync.Deps{
		Store:         store,
		Connectivity:  monitor,
		Client:        client,
		Logger:        logger,
		RemoteTimeout: cfg.Remote.Timeout,
	}, worksync.DrainerOptions{
		CallTimeout: cfg.Drain.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, client: client, monitor: monitor, agent: agent}, nil
}

func (rt *runtime) Close() error {
	return rt.agent.Close()
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func writeOutput(w io.Writer, format string, value any, text func(io.Writer) error) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	return text(w)
}
