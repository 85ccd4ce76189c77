package project

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/pkg/types"
	"kubegems.io/smdeploy/pkg/units"
)

func NewPackCmd() *cobra.Command {
	options := PackOptions{}
	cmd := &cobra.Command{
		Use:   "pack [dir]",
		Short: "pack the model directory into a flat model.tar.gz",
		Example: `
  smdeploy pack flan-t5-xxl
  smdeploy pack flan-t5-xxl --verify
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			p, err := loadProject(args)
			if err != nil {
				return err
			}
			options.Output = cmd.ErrOrStderr()
			manifest, err := Pack(ctx, p, options)
			if err != nil {
				return err
			}
			PrintManifest(cmd, manifest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&options.Verify, "verify", options.Verify, "extract the archive again and check the handler is where the container expects it")
	return cmd
}

func PrintManifest(cmd *cobra.Command, manifest *types.ArchiveManifest) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"File", "Size", "Digest", "Modified"})
	for _, item := range manifest.Members {
		t.AppendRow(table.Row{
			item.Name,
			units.HumanSize(float64(item.Size)),
			item.Digest.Encoded()[:16],
			item.Modified.Format(time.RFC3339),
		})
	}
	t.AppendFooter(table.Row{"Total", units.HumanSize(float64(manifest.TotalSize())), "", ""})
	t.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "Archive %s %s %s\n", manifest.Path, units.HumanSize(float64(manifest.Size)), manifest.Digest)
}
