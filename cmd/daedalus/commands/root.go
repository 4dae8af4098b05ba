// Package commands implements the daedalus command line.
package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "dev"

// NewRootCmd returns the daedalus command tree. Every call builds fresh
// configuration state.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "daedalus",
		Short: "Dataflow graph runtime",
		Long: `daedalus loads packed dataflow graph images and schedules their nodes.

Configuration is read from daedalus.yaml in the working directory or the file
given with --config, then from DAEDALUS_* environment variables (nested keys
join with underscores, e.g. DAEDALUS_SCHEDULER_PROCESSOR), then from flags.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "configuration file")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn, error")
	root.PersistentFlags().Bool("log-development", false, "human readable development logging")

	root.AddCommand(
		newRunCmd(viper.New()),
		newInspectCmd(viper.New()),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("daedalus", Version)
		},
	}
}
