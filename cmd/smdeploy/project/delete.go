package project

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func NewDeleteCmd() *cobra.Command {
	options := DeleteOptions{}
	cmd := &cobra.Command{
		Use:   "delete <endpoint>",
		Short: "delete an endpoint with its endpoint config and model",
		Example: `
  smdeploy delete huggingface-pytorch-inference-2023-03-01-10-20-30-123
		`,
		SilenceUsage: true,
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return CompleteEndpoints(toComplete)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			if len(args) == 0 {
				return errors.New("at least one endpoint is required")
			}
			session, err := NewSession(ctx, Global.Cloud, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, err := OpenState()
			if err != nil {
				return err
			}
			defer store.Close()
			for _, endpoint := range args {
				if err := Delete(ctx, session, store, endpoint, options); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s deleted\n", endpoint)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&options.DeleteArchive, "delete-archive", options.DeleteArchive, "also delete the uploaded model archive")
	return cmd
}
