package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and print their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer repo.Close()

			status, err := repo.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			versions := make([]int64, 0, len(status))
			for v := range status {
				versions = append(versions, v)
			}
			sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
			for _, v := range versions {
				state := "pending"
				if status[v] {
					state = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%05d\t%s\n", v, state)
			}
			return nil
		},
	}
}
