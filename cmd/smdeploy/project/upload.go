package project

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewUploadCmd() *cobra.Command {
	options := UploadOptions{}
	overrides := Overrides{}
	cmd := &cobra.Command{
		Use:   "upload [dir]",
		Short: "upload model.tar.gz to the project bucket",
		Example: `
  smdeploy upload flan-t5-xxl --region us-east-1
  smdeploy upload flan-t5-xxl --bucket my-models --force
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			p, err := loadProject(args)
			if err != nil {
				return err
			}
			if err := overrides.Apply(p); err != nil {
				return err
			}
			session, err := NewSession(ctx, Global.Cloud, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			uri, err := Upload(ctx, session, p, options)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), uri)
			return nil
		},
	}
	cmd.Flags().BoolVar(&options.Force, "force", options.Force, "upload even when the same archive is already in the bucket")
	overrides.AddFlags(cmd.Flags())
	return cmd
}
