package endpoint

import (
	"github.com/spf13/cobra"
)

func NewEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Endpoint records management",
		Long:  "Manage the local records of endpoints created by deploy and run",
	}
	cmd.AddCommand(NewEndpointListCmd())
	cmd.AddCommand(NewEndpointRemoveCmd())
	return cmd
}
