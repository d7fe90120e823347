package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livefir/lvtclient"
)

// RunOptions holds flags for the run command
type RunOptions struct {
	*RootOptions
	Minify bool
	NoHTML bool
}

// NewRunCommand replays a script file against a fresh engine
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <script.yaml>",
		Short: "Replay a recorded session",
		Long: `Replay applies each step of a session script in order: server diffs,
user input, events and their acknowledgements, removal transitions and clock
advances. Expectations in the script are checked as they are reached.

The final markup of the root element is printed, followed by a summary of the
engine counters. The command fails when any expectation does not hold.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Minify, "minify", false, "minify the printed markup")
	cmd.Flags().BoolVar(&opts.NoHTML, "no-html", false, "print only the summary")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *RunOptions, path string) error {
	script, err := LoadScript(path)
	if err != nil {
		return err
	}
	var config *lvtclient.Config
	if opts.ConfigPath != "" {
		if config, err = lvtclient.LoadConfig(opts.ConfigPath); err != nil {
			return err
		}
	}

	r, err := NewReplayer(script, config, opts.logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	runErr := r.Run(cmd.Context())

	out := cmd.OutOrStdout()
	if !opts.NoHTML && opts.Format == "text" {
		markup := r.Markup()
		if opts.Minify {
			markup = minifyHTML(markup)
		}
		fmt.Fprintln(out, markup)
	}

	summary := Summary{
		Name:     script.Name,
		Steps:    len(script.Steps),
		Checks:   r.checks,
		Failures: r.Failures(),
		Desyncs:  r.desyncs,
		Scopes:   r.Engine().Scopes(),
		Metrics:  r.Engine().Metrics().GetMetrics(),
	}
	if err := writeSummary(out, opts.Format, summary); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if n := len(summary.Failures); n > 0 {
		return fmt.Errorf("%d of %d expectations failed", n, summary.Checks)
	}
	return nil
}
