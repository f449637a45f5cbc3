// Package commands implements the datalayer operator CLI.
package commands

import (
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/datalayer/internal/cli/ui"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "datalayer",
		Short: "Operator tooling for the generic data-access layer",
		Long: color.CyanString(`datalayer - generic data-access layer

Manages the core tables used by the repository layer and inspects what it
records:
  • revisions of revisionable entities
  • audit log entries
  • signed actor tokens for the security context`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default ./datalayer.yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewRevisionsCommand())
	rootCmd.AddCommand(NewLogsCommand())
	rootCmd.AddCommand(NewTokenCommand())

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			noColor, _ := cmd.Flags().GetBool("no-color")
			kv := ui.NewKeyValueTable(cmd.OutOrStdout(), noColor)
			kv.AddRow("Version", Version)
			kv.AddRow("Git commit", GitCommit)
			kv.AddRow("Build date", BuildDate)
			kv.AddRow("Go version", goVer)
			kv.Render()
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		noColor, _ := rootCmd.PersistentFlags().GetBool("no-color")
		ui.WriteError(rootCmd.ErrOrStderr(), ui.ErrorOptions{
			Problem:      err.Error(),
			HelpCommands: []string{"Get help: datalayer --help"},
			NoColor:      noColor,
		})
		return err
	}
	return nil
}
