package project

import (
	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/pkg/predict"
)

func NewServeCmd() *cobra.Command {
	options := predict.NewDefaultServerOptions()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve a http proxy in front of endpoints",
		Example: `
  smdeploy serve --endpoint flan-t5-xxl --listen :8080
  curl -XPOST localhost:8080/predict -d '{"inputs": "What is the capital of Germany?"}'
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			session, err := NewSession(ctx, Global.Cloud, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return predict.Run(ctx, session.Predictor, options)
		},
	}
	options.AddFlags(cmd.Flags())
	return cmd
}
