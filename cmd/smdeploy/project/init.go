package project

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	force := false
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "init a new project with the default model and inference handler",
		Example: `
  smdeploy init flan-t5-xxl
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			dir := projectDir(args)
			if err := InitProject(ctx, dir, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project initialized in %s\n", dir)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing project")
	return cmd
}
