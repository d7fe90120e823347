// Package commands implements the lvtreplay command line.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every subcommand
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool
}

// NewRootCommand builds the lvtreplay command tree
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lvtreplay",
		Short: "Drive the lvtclient reconciliation engine",
		Long: `lvtreplay applies recorded server diffs, user input and acknowledgements
to an HTML document using the same engine a live page runs, then prints the
resulting markup and engine counters.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("unsupported format %q: use text or json", opts.Format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "engine configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "summary format: text or json")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine activity to stderr")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewConnectCommand(opts))

	return cmd
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
