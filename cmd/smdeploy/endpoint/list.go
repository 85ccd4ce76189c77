package endpoint

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/cmd/smdeploy/project"
	"kubegems.io/smdeploy/pkg/types"
)

func NewEndpointListCmd() *cobra.Command {
	refresh := false
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list recorded endpoints",
		Example: `
	# List recorded endpoints
		smdeploy endpoint list

	# Query the current status of every endpoint
		smdeploy endpoint list --refresh
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := project.BaseContext()
			defer cancel()
			store, err := project.OpenState()
			if err != nil {
				return err
			}
			defer store.Close()
			list, err := store.List(ctx)
			if err != nil {
				return err
			}
			if refresh && len(list) > 0 {
				session, err := project.NewSession(ctx, project.Global.Cloud, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				for i, item := range list {
					current, err := session.Deployer.Describe(ctx, item.EndpointName)
					if err != nil {
						list[i].Status = "Unknown"
						continue
					}
					list[i].Status = current.Status
					if err := store.Put(ctx, list[i]); err != nil {
						return err
					}
				}
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Endpoint", "Status", "Instance", "Model Data", "Created"})
			for _, item := range list {
				t.AppendRow(table.Row{item.EndpointName, item.Status, instance(item), item.ModelDataURL, item.CreatedAt.Format(time.RFC3339)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", refresh, "describe each endpoint for its current status")
	return cmd
}

func instance(item types.Deployment) string {
	if item.InstanceType == "" {
		return ""
	}
	return fmt.Sprintf("%s x%d", item.InstanceType, item.InstanceCount)
}
