package project

import (
	"fmt"

	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/pkg/archive"
	"kubegems.io/smdeploy/pkg/types"
)

func NewDeployCmd() *cobra.Command {
	options := DeployOptions{}
	overrides := Overrides{}
	cmd := &cobra.Command{
		Use:   "deploy [dir]",
		Short: "deploy an uploaded archive to a real-time endpoint",
		Example: `
  smdeploy deploy flan-t5-xxl --model-data s3://sagemaker-us-east-1-123456789012/flan-t5-xxl/model.tar.gz
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
			if options.ModelDataURL == "" {
				bucket, err := session.Bucket(ctx, p.Config.Storage.Bucket)
				if err != nil {
					return err
				}
				options.ModelDataURL = p.StoragePrefix(bucket) + types.ArchiveFileName
			}
			if manifest, err := archive.List(ctx, p.ArchiveFile()); err == nil {
				options.ArchiveDigest = manifest.Digest
			}
			store, err := OpenState()
			if err != nil {
				return err
			}
			defer store.Close()
			deployment, err := Deploy(ctx, session, store, p, options)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Endpoint %s %s\n", deployment.EndpointName, deployment.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&options.ModelDataURL, "model-data", options.ModelDataURL, "s3 uri of the archive, defaults to the project storage location")
	cmd.Flags().BoolVar(&options.NoWait, "no-wait", options.NoWait, "return once the endpoint is being created")
	overrides.AddFlags(cmd.Flags())
	return cmd
}
