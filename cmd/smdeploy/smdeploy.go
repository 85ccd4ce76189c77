package main

import (
	"crypto/tls"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/cmd/smdeploy/endpoint"
	"kubegems.io/smdeploy/cmd/smdeploy/project"
)

const ErrExitCode = 1

func main() {
	if err := NewSmdeployCmd().Execute(); err != nil {
		os.Exit(ErrExitCode)
	}
}

func NewSmdeployCmd() *cobra.Command {
	insecureSkipVerify := false
	cmd := project.NewProjectCmd()
	cmd.AddCommand(
		endpoint.NewEndpointCmd(),
	)
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if insecureSkipVerify {
			http.DefaultTransport.(*http.Transport).TLSClientConfig = &tls.Config{
				InsecureSkipVerify: true,
			}
		}
	}
	cmd.PersistentFlags().BoolVarP(&insecureSkipVerify, "insecure", "", insecureSkipVerify, "tls insecure skip verify")
	return cmd
}
