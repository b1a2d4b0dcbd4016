package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubilitics/team-onboarding/internal/audit"
)

func newVerifyAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit",
		Short: "Check the audit log hash chain for tampering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			res, err := audit.New(repo, nil).Verify(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("audit chain broken at seq %d: %s", res.BrokenAt, res.Reason)
			}
			return nil
		},
	}
}
