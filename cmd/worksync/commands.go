package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/worksync/internal/localstore"
	"github.com/agentworkforce/worksync/internal/worksync"
)

type DrainOptions struct {
	*RootOptions
	SkipProbe bool
}

func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations once and print the report",
		Long: `Probe the authority, then replay every queued mutation in FIFO order.

The drain is skipped when the authority is unreachable. Failed items stay in
the queue with status ERROR and are retried on the next drain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolVar(&opts.SkipProbe, "skip-probe", false, "trust connectivity.assume_online instead of probing")

	return cmd
}

func runDrain(cmd *cobra.Command, opts *DrainOptions) error {
	rt, err := openRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if !opts.SkipProbe {
		prober, err := worksync.NewProber(rt.client, rt.monitor, worksync.ProberOptions{
			Path:    rt.cfg.Connectivity.ProbePath,
			Timeout: rt.cfg.Connectivity.ProbeTimeout,
			Logger:  rt.logger,
		})
		if err != nil {
			return err
		}
		prober.Probe(ctx)
	}
	report, err := rt.agent.Drain(ctx)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) error {
		return printDrainReport(w, report)
	})
}

func printDrainReport(w io.Writer, report worksync.DrainReport) error {
	if report.Skipped {
		_, err := fmt.Fprintf(w, "drain skipped: %s\n", report.Reason)
		return err
	}
	if _, err := fmt.Fprintf(w, "attempted %d, succeeded %d, failed %d\n",
		report.Attempted, report.Succeeded, report.Failed); err != nil {
		return err
	}
	for _, failure := range report.Failures {
		if _, err := fmt.Fprintf(w, "  #%d %s: %v\n", failure.ItemID, failure.Action, failure.Err); err != nil {
			return err
		}
	}
	return nil
}

type QueueOptions struct {
	*RootOptions
	Status string
}

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only show items with this status (PENDING|ERROR)")

	return cmd
}

func runQueue(cmd *cobra.Command, opts *QueueOptions) error {
	status, err := parseQueueStatus(opts.Status)
	if err != nil {
		return err
	}
	rt, err := openRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	items, err := rt.agent.Queue().Items(cmd.Context())
	if err != nil {
		return err
	}
	if status != "" {
		filtered := items[:0]
		for _, item := range items {
			if item.Status == status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	if items == nil {
		items = []localstore.QueueItem{}
	}
	return writeOutput(cmd.OutOrStdout(), opts.Format, items, func(w io.Writer) error {
		return printQueue(w, items)
	})
}

func parseQueueStatus(raw string) (localstore.QueueStatus, error) {
	switch status := localstore.QueueStatus(strings.ToUpper(strings.TrimSpace(raw))); status {
	case "", localstore.QueueStatusPending, localstore.QueueStatusError:
		return status, nil
	default:
		return "", fmt.Errorf("invalid status %q: must be PENDING or ERROR", raw)
	}
}

func printQueue(w io.Writer, items []localstore.QueueItem) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "queue is empty")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			item.ID,
			item.Action,
			item.Status,
			item.Attempts,
			time.UnixMilli(item.CreatedAt).UTC().Format(time.RFC3339),
			item.Error,
		)
	}
	return tw.Flush()
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	rt, err := openRuntime(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	prober, err := worksync.NewProber(rt.client, rt.monitor, worksync.ProberOptions{
		Path:    rt.cfg.Connectivity.ProbePath,
		Timeout: rt.cfg.Connectivity.ProbeTimeout,
		Logger:  rt.logger,
	})
	if err != nil {
		return err
	}
	prober.Probe(ctx)

	status, err := rt.agent.Status(ctx)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), opts.Format, status, func(w io.Writer) error {
		return printStatus(w, status)
	})
}

func printStatus(w io.Writer, status worksync.Status) error {
	connectivity := "offline"
	if status.Online {
		connectivity = "online"
	}
	_, err := fmt.Fprintf(w, "%s, %d pending, %d errored\n", connectivity, status.Pending, status.Errored)
	return err
}
