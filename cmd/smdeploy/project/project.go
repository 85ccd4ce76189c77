package project

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"kubegems.io/smdeploy/pkg/cloud"
	"kubegems.io/smdeploy/pkg/state"
	"kubegems.io/smdeploy/pkg/version"
)

type GlobalOptions struct {
	Cloud *cloud.Options
	// ConfigFile replaces <dir>/smdeploy.yaml when set.
	ConfigFile string
	StatePath  string
}

func (o *GlobalOptions) AddFlags(fs *pflag.FlagSet) {
	o.Cloud.AddFlags(fs)
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "project file, defaults to <dir>/smdeploy.yaml")
	fs.StringVar(&o.StatePath, "state", o.StatePath, "local endpoint records database")
}

// Global holds the persistent flags shared by every command.
var Global = &GlobalOptions{
	Cloud:     cloud.NewDefaultOptions(),
	StatePath: state.DefaultPath(),
}

func NewProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "smdeploy",
		Short:   "package hugging face models and serve them on sagemaker endpoints",
		Version: version.Get().String(),
	}
	Global.AddFlags(cmd.PersistentFlags())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewDownloadCmd())
	cmd.AddCommand(NewPackCmd())
	cmd.AddCommand(NewUploadCmd())
	cmd.AddCommand(NewDeployCmd())
	cmd.AddCommand(NewPredictCmd())
	cmd.AddCommand(NewDeleteCmd())
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewServeCmd())
	return cmd
}

// BaseContext logs step level progress to stderr, DEBUG=1 adds caller info and verbose logs.
func BaseContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	if os.Getenv("DEBUG") == "1" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		stdr.SetVerbosity(1)
	}
	ctx = logr.NewContext(ctx, stdr.NewWithOptions(log.Default(), stdr.Options{LogCaller: stdr.Error}))
	return ctx, cancel
}

func projectDir(args []string) string {
	if len(args) == 0 {
		return "."
	}
	return args[0]
}

func loadProject(args []string) (*Project, error) {
	return LoadProjectFile(projectDir(args), Global.ConfigFile)
}

func OpenState() (*state.Store, error) {
	return state.Open(Global.StatePath)
}

// CompleteEndpoints lists recorded endpoint names starting with toComplete.
func CompleteEndpoints(toComplete string) ([]string, cobra.ShellCompDirective) {
	store, err := OpenState()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	defer store.Close()
	list, err := store.List(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	names := []string{}
	for _, item := range list {
		if strings.HasPrefix(item.EndpointName, toComplete) {
			names = append(names, item.EndpointName)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
