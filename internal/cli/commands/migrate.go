package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/datalayer/internal/cli/ui"
	"github.com/conduit-lang/datalayer/internal/orm/migrate"
)

// categorizeDatabaseError returns a short description of err unless
// verbose is set
func categorizeDatabaseError(err error, verbose bool) string {
	if verbose {
		return err.Error()
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "syntax"):
		return "SQL syntax error - use --verbose for details"
	case strings.Contains(errStr, "already exists"):
		return "object already exists - use --verbose for details"
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access denied"):
		return "permission denied - check database user privileges"
	}
	return "migration failed - use --verbose for details"
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the core tables",
		Long: `Create and track the tables the repository layer writes to:
revisions (entity history) and logs (audit entries).`,
	}
	cmd.PersistentFlags().BoolP("verbose", "v", false, "show full database errors")

	cmd.AddCommand(newMigrateUpCommand())
	cmd.AddCommand(newMigrateDownCommand())
	cmd.AddCommand(newMigrateStatusCommand())
	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending core migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			dialect, err := e.dialect()
			if err != nil {
				return err
			}
			db, err := e.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			applied, err := migrate.NewRunner(db, e.logger).MigrateUp(cmd.Context(), migrate.CoreMigrations(dialect))
			for _, m := range applied {
				ui.WriteSuccess(out, fmt.Sprintf("Applied %03d_%s", m.Version, m.Name), e.noColor)
			}
			if err != nil {
				verbose, _ := cmd.Flags().GetBool("verbose")
				ui.WriteError(cmd.ErrOrStderr(), ui.ErrorOptions{
					Context:      "migration failed",
					Problem:      categorizeDatabaseError(err, verbose),
					Consequence:  "The failing migration was rolled back.",
					HelpCommands: []string{"Check migration status: datalayer migrate status"},
					NoColor:      e.noColor,
				})
				return fmt.Errorf("migrate up failed")
			}

			if len(applied) == 0 {
				fmt.Fprintln(out, "No pending migrations")
			}
			return nil
		},
	}
}

func newMigrateDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest applied core migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			db, err := e.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			m, err := migrate.NewRunner(db, e.logger).MigrateDown(cmd.Context())
			if err != nil {
				verbose, _ := cmd.Flags().GetBool("verbose")
				return fmt.Errorf("migrate down: %s", categorizeDatabaseError(err, verbose))
			}
			if m == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No applied migrations")
				return nil
			}
			ui.WriteSuccess(cmd.OutOrStdout(), fmt.Sprintf("Rolled back %03d_%s", m.Version, m.Name), e.noColor)
			return nil
		},
	}
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which core migrations are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			dialect, err := e.dialect()
			if err != nil {
				return err
			}
			db, err := e.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := migrate.NewRunner(db, e.logger).Status(cmd.Context(), migrate.CoreMigrations(dialect))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			ui.Header(out, "Migration Status", e.noColor)
			table := ui.NewTable(out, e.noColor, "Version", "Name", "Status", "Applied At")
			for _, m := range status.Applied {
				table.AddRow(fmt.Sprintf("%03d", m.Version), m.Name, "applied", m.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			for _, m := range status.Pending {
				table.AddRow(fmt.Sprintf("%03d", m.Version), m.Name, "pending", "")
			}
			table.Render()
			fmt.Fprintln(out, status.Summary())
			return nil
		},
	}
}
