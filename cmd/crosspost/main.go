package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"crosspost/internal/app"
	"crosspost/internal/apperr"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	envFile    string
}

func (o *rootOptions) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, o.configPath, app.WithEnvFile(o.envFile))
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "crosspost",
		Short:         "Publish posts and threads to X, Bluesky and Mastodon, now or later",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config json/yaml")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional dotenv file with CROSSPOST_* overrides")

	cmd.AddCommand(
		newServeCommand(opts),
		newPublishCommand(opts),
		newScheduleCommand(opts),
		newJobsCommand(opts),
		newJobCommand(opts),
		newCancelCommand(opts),
		newRunDueCommand(opts),
	)
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds so scripts can tell bad input from upstream
// failures.
func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindInvalidSchedule:
		return 2
	case apperr.KindNotFound:
		return 3
	case apperr.KindConflict:
		return 4
	case apperr.KindUpstream:
		return 5
	default:
		return 1
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openInput opens path, with "-" meaning stdin.
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" || path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
