package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crosspost/internal/app"
	"crosspost/pkg/systemd"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, stopTimeout time.Duration) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := opts.open(ctx)
	if err != nil {
		return err
	}
	sd := systemd.New(a.Logger())
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("start: %w", err)
	}
	sd.Ready()

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go sd.Watchdog(wdCtx, systemd.WatchdogInterval(), func() bool {
		select {
		case <-a.Done():
			return false
		default:
			return true
		}
	})

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopWatchdog()
	sd.Stopping()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return err
	}
	return stopErr
}
