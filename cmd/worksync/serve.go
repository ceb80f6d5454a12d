package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/worksync/internal/config"
	"github.com/agentworkforce/worksync/internal/httpapi"
	"github.com/agentworkforce/worksync/internal/worksync"
)

const shutdownTimeout = 5 * time.Second

type ServeOptions struct {
	*RootOptions
	Addr string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent and its local HTTP API",
		Long: `Run the sync agent until interrupted.

Connectivity comes from the signal file when connectivity.signal_file is set,
otherwise from periodic health probes against the authority. The queue is
drained on every reconnect and on a jittered timer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	rt, err := openRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if err := startConnectivity(ctx, rt, &wg); err != nil {
		return err
	}
	stopReconnect := rt.agent.Drainer().DrainOnReconnect(ctx, rt.monitor)
	defer stopReconnect()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runDrainLoop(ctx, rt, rt.cfg.Drain)
	}()

	addr := rt.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(rt.agent, httpapi.ServerConfig{
			RateLimitMax:    rt.cfg.HTTP.RateLimitMax,
			RateLimitWindow: rt.cfg.HTTP.RateLimitWindow,
			MaxBodyBytes:    rt.cfg.HTTP.MaxBodyBytes,
			StreamOrigins:   rt.cfg.HTTP.StreamOrigins,
			Logger:          rt.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		rt.logger.Info("worksync listening", "addr", addr, "remote", rt.client.BaseURL())
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info("worksync stopping", "cause", context.Cause(ctx))
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = fmt.Errorf("shutdown: %w", shutdownErr)
	}
	wg.Wait()
	return err
}

// startConnectivity attaches exactly one source to the monitor: the signal
// file when configured, the health prober otherwise.
func startConnectivity(ctx context.Context, rt *runtime, wg *sync.WaitGroup) error {
	if path := rt.cfg.Connectivity.SignalFile; path != "" {
		watcher, err := worksync.NewSignalWatcher(path, rt.monitor, rt.logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				rt.logger.Error("signal watcher stopped", "path", path, "error", err)
			}
		}()
		return nil
	}
	prober, err := worksync.NewProber(rt.client, rt.monitor, worksync.ProberOptions{
		Path:     rt.cfg.Connectivity.ProbePath,
		Interval: rt.cfg.Connectivity.ProbeInterval,
		Timeout:  rt.cfg.Connectivity.ProbeTimeout,
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		prober.Run(ctx)
	}()
	return nil
}

func runDrainLoop(ctx context.Context, rt *runtime, cfg config.DrainConfig) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			report, err := rt.agent.Drain(ctx)
			switch {
			case err != nil:
				rt.logger.Error("periodic drain failed", "error", err)
			case !report.Skipped && report.Attempted > 0:
				rt.logger.Info("periodic drain completed",
					"attempted", report.Attempted,
					"succeeded", report.Succeeded,
					"failed", report.Failed)
			}
			timer.Reset(jitteredIntervalWithSample(cfg.Interval, cfg.IntervalJitter, rng.Float64()))
		}
	}
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = config.ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
