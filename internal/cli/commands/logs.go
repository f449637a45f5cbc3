package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/datalayer/internal/audit"
	"github.com/conduit-lang/datalayer/internal/cli/ui"
)

type recentReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// NewLogsCommand creates the logs command
func NewLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the latest audit entries",
		Long: `Show the latest audit entries written by the sql or redis audit
backend, newest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, _ := cmd.Flags().GetString("backend")
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			var reader recentReader
			switch backend {
			case audit.BackendSQL:
				db, err := e.openDB(cmd.Context())
				if err != nil {
					return err
				}
				defer db.Close()
				reader = audit.NewSQLSink(db)
			case audit.BackendRedis:
				client := e.redisClient()
				defer client.Close()
				reader = audit.NewRedisSink(client, e.cfg.Audit.RedisKey, 0)
			default:
				return fmt.Errorf("--backend must be %s or %s, got: %s", audit.BackendSQL, audit.BackendRedis, backend)
			}

			entries, err := reader.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries")
				return nil
			}
			table := ui.NewTable(out, e.noColor, "Created At", "Severity", "User", "Message")
			for _, entry := range entries {
				table.AddRow(
					entry.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
					string(entry.Severity),
					optionalID(entry.UserID),
					entry.Message,
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("backend", audit.BackendSQL, "audit backend to read (sql or redis)")
	cmd.Flags().IntP("limit", "n", 20, "number of entries")
	return cmd
}
