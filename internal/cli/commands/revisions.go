package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/datalayer/internal/cli/ui"
	"github.com/conduit-lang/datalayer/internal/orm/revision"
)

// NewRevisionsCommand creates the revisions command
func NewRevisionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revisions <type> <id>",
		Short: "Show the revision history of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[1])
			}
			showValues, _ := cmd.Flags().GetBool("values")

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

			revs, err := revision.NewStore(db, e.logger).List(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(revs) == 0 {
				fmt.Fprintf(out, "No revisions for %s %d\n", args[0], id)
				return nil
			}

			ui.Header(out, fmt.Sprintf("Revisions of %s %d", args[0], id), e.noColor)
			headers := []string{"ID", "Key", "User", "Created At"}
			if showValues {
				headers = append(headers, "Old", "New")
			}
			table := ui.NewTable(out, e.noColor, headers...)
			for _, rev := range revs {
				row := []string{
					strconv.FormatInt(rev.ID, 10),
					rev.Key,
					optionalID(rev.UserID),
					rev.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
				}
				if showValues {
					row = append(row, deref(rev.OldValue), deref(rev.NewValue))
				}
				table.AddRow(row...)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Bool("values", false, "include the old and new snapshots")
	return cmd
}

func optionalID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
