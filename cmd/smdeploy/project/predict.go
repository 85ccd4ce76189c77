package project

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/pkg/predict"
	"kubegems.io/smdeploy/pkg/types"
)

func NewPredictCmd() *cobra.Command {
	params := []string{}
	raw := false
	cmd := &cobra.Command{
		Use:   "predict <endpoint> <inputs>",
		Short: "send a text generation request to an endpoint",
		Example: `
  smdeploy predict flan-t5-xxl "What is the capital of Germany?" --param max_length=50
  smdeploy predict flan-t5-xxl "Write a poem" --param do_sample=true --param top_p=0.9 --raw
		`,
		SilenceUsage: true,
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return CompleteEndpoints(toComplete)
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			if len(args) != 2 {
				return errors.New("endpoint and inputs are required")
			}
			parameters, err := predict.ParseParameters(params)
			if err != nil {
				return err
			}
			session, err := NewSession(ctx, Global.Cloud, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			resp, err := session.Predictor.Predict(ctx, args[0], types.PredictRequest{Inputs: args[1], Parameters: parameters})
			if err != nil {
				return err
			}
			if raw {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text())
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", params, "generation parameter key=value, values are parsed as json")
	cmd.Flags().BoolVar(&raw, "raw", raw, "print the json response")
	return cmd
}
