package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"crosspost/internal/storage"
)

func newPublishCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a request immediately and print the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := openInput(file)
			if err != nil {
				return err
			}
			defer in.Close()

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Publish(cmd.Context(), in)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request JSON file (- for stdin)")
	return cmd
}

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	var (
		file  string
		runAt string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Store a request to be published at a future time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := openInput(file)
			if err != nil {
				return err
			}
			defer in.Close()

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Schedule(cmd.Context(), runAt, in)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request JSON file (- for stdin)")
	cmd.Flags().StringVar(&runAt, "at", "", "RFC 3339 publish time, e.g. 2026-05-01T09:30:00Z")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newJobsCommand(opts *rootOptions) *cobra.Command {
	var counts bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if counts {
				c, err := a.Counts(cmd.Context())
				if err != nil {
					return err
				}
				for _, st := range storage.Statuses {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", st, c[st])
				}
				return nil
			}
			jobs, err := a.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().BoolVar(&counts, "counts", false, "print the number of jobs per status")
	return cmd
}

func newJobCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel scheduled jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var errs []error
			for _, id := range slices.Compact(slices.Clone(args)) {
				job, err := a.Cancel(cmd.Context(), id)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
			}
			return errors.Join(errs...)
		},
	}
}

func newRunDueCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Process due jobs once and exit",
		Long:  "Process due jobs once and exit. Useful when an external timer drives the scheduler instead of serve.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.RunDue(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "due=%d processed=%d\n", res.Due, res.Processed)
			return nil
		},
	}
}
