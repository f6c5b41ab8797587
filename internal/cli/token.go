package cli

import (
	"fmt"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/identity/jwt"
	"github.com/spf13/cobra"
)

// NewTokenCommand creates the token command, which mints a bearer token
// signed with the configured secret.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var subject, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := domain.Role(role)
			if !r.IsValid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown role %q", role))
			}

			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			auth := jwt.NewAuthenticator(jwt.Config{
				SecretKey:           cfg.JWT.SecretKey,
				Issuer:              cfg.JWT.Issuer,
				AccessTokenDuration: cfg.JWT.AccessTokenDuration,
			})
			token, err := auth.GenerateToken(subject, r)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to sign token", err)
			}

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"token": token})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "principal the token is issued to (required)")
	_ = cmd.MarkFlagRequired("subject")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleOperator), "viewer|operator|approver|admin")

	return cmd
}
