package cli

import (
	"github.com/spf13/cobra"

	"github.com/kubilitics/team-onboarding/internal/bootstrap"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/service"
)

func newRenderCmd(a *app) *cobra.Command {
	var overrides models.QuotaOverrides
	cmd := &cobra.Command{
		Use:   "render TEAM_ID",
		Short: "Print the namespace, quota and limit range a team would receive",
		Long:  "render prints the manifests for a team as YAML without contacting the cluster.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bootstrap.ValidateTeamID(args[0]); err != nil {
				return err
			}
			spec, err := service.BuildSpec(a.cfg.NamespacePrefix, a.specDefaults(), args[0], overrides)
			if err != nil {
				return err
			}
			out, err := bootstrap.Render(spec)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&overrides.CPUQuota, "cpu", "", "CPU quota (default from config)")
	cmd.Flags().StringVar(&overrides.MemoryQuota, "memory", "", "memory quota (default from config)")
	cmd.Flags().IntVar(&overrides.MaxPods, "max-pods", 0, "maximum pods (default from config)")
	return cmd
}
