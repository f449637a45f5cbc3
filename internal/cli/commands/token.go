package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/datalayer/internal/security"
)

// NewTokenCommand creates the token command
func NewTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed actor token",
		Long: `Issue an HS256 token carrying actor claims, signed with
security.jwt_secret. Useful to exercise a service that resolves its acting
user from a bearer token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetInt64("user-id")
			if userID <= 0 {
				return fmt.Errorf("--user-id is required")
			}
			email, _ := cmd.Flags().GetString("email")
			timezone, _ := cmd.Flags().GetString("timezone")
			permissions, _ := cmd.Flags().GetStringSlice("permission")

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if e.cfg.Security.JWTSecret == "" {
				return fmt.Errorf("security.jwt_secret is not set")
			}

			tokens := security.NewTokenService(e.cfg.Security.JWTSecret, e.cfg.Security.TokenTTL)
			token, err := tokens.GenerateToken(&security.Actor{
				ID:          userID,
				Email:       email,
				Timezone:    timezone,
				Permissions: permissions,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64("user-id", 0, "actor id")
	cmd.Flags().String("email", "", "actor email")
	cmd.Flags().String("timezone", "", "actor timezone, e.g. Europe/Berlin or +02:00")
	cmd.Flags().StringSlice("permission", nil, "granted permission (repeatable)")
	return cmd
}
