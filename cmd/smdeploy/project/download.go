package project

import (
	"fmt"

	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/pkg/hub"
	"kubegems.io/smdeploy/pkg/units"
)

func NewDownloadCmd() *cobra.Command {
	revision := ""
	cmd := &cobra.Command{
		Use:   "download [dir]",
		Short: "download the model snapshot into the project",
		Example: `
  HF_TOKEN=hf_xxx smdeploy download flan-t5-xxl
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			p, err := loadProject(args)
			if err != nil {
				return err
			}
			if revision != "" {
				p.Config.Model.Revision = revision
			}
			descs, err := Download(ctx, p, hub.NewClientFromEnv(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var total int64
			for _, desc := range descs {
				total += desc.Size
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %d files (%s) into %s\n", len(descs), units.HumanSize(float64(total)), p.ModelDir())
			return nil
		},
	}
	cmd.Flags().StringVar(&revision, "revision", revision, "model revision, overrides the project file")
	return cmd
}
