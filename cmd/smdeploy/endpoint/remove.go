package endpoint

import (
	"fmt"

	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/cmd/smdeploy/project"
)

func NewEndpointRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove endpoint records",
		Long:  "Remove endpoint records, the cloud resources are kept, use smdeploy delete to tear them down",
		Example: `
		# Forget an endpoint
		smdeploy endpoint remove flan-t5-xxl`,
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return project.CompleteEndpoints(toComplete)
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := project.BaseContext()
			defer cancel()
			if len(args) == 0 {
				return fmt.Errorf("endpoint remove requires at least one argument")
			}
			store, err := project.OpenState()
			if err != nil {
				return err
			}
			defer store.Close()
			for _, name := range args {
				if _, err := store.Get(ctx, name); err != nil {
					return err
				}
				if err := store.Remove(ctx, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}
