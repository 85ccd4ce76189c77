package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"kubegems.io/smdeploy/pkg/hub"
	"kubegems.io/smdeploy/pkg/state"
)

type RunOptions struct {
	// Keep leaves the endpoint running after the sample predictions.
	Keep         bool
	SkipDownload bool
}

func NewRunCmd() *cobra.Command {
	options := RunOptions{}
	overrides := Overrides{}
	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "download, pack, upload, deploy, predict the samples and tear down",
		Example: `
  smdeploy init flan-t5-xxl && smdeploy run flan-t5-xxl --region us-east-1
  smdeploy run flan-t5-xxl --keep
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
			store, err := OpenState()
			if err != nil {
				return err
			}
			defer store.Close()
			return Run(ctx, session, store, p, hub.NewClientFromEnv(), cmd.OutOrStdout(), cmd.ErrOrStderr(), options)
		},
	}
	cmd.Flags().BoolVar(&options.Keep, "keep", options.Keep, "keep the endpoint after the sample predictions")
	cmd.Flags().BoolVar(&options.SkipDownload, "skip-download", options.SkipDownload, "reuse the model directory when it already has a config.json")
	overrides.AddFlags(cmd.Flags())
	return cmd
}

func Run(ctx context.Context, s *Session, store *state.Store, p *Project, hubclient *hub.Client, out, progress io.Writer, opts RunOptions) (err error) {
	log := logr.FromContextOrDiscard(ctx)

	if !(opts.SkipDownload && fileExists(filepath.Join(p.ModelDir(), "config.json"))) {
		if _, err := Download(ctx, p, hubclient, progress); err != nil {
			return err
		}
	}
	manifest, err := Pack(ctx, p, PackOptions{Output: progress})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Packed %s (%d files) %s\n", manifest.Path, len(manifest.Members), manifest.Digest)

	uri, err := Upload(ctx, s, p, UploadOptions{Digest: manifest.Digest})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Uploaded %s\n", uri)

	deployment, deployErr := Deploy(ctx, s, store, p, DeployOptions{ModelDataURL: uri, ArchiveDigest: manifest.Digest})
	if deployment != nil && !opts.Keep {
		defer func() {
			// teardown must still run when the command was interrupted
			cleanupctx := logr.NewContext(context.Background(), log)
			if derr := Delete(cleanupctx, s, store, deployment.EndpointName, DeleteOptions{}); derr != nil {
				err = errors.Join(err, derr)
				return
			}
			fmt.Fprintf(out, "Deleted endpoint %s\n", deployment.EndpointName)
		}()
	}
	if deployErr != nil {
		return deployErr
	}
	fmt.Fprintf(out, "Endpoint %s %s\n", deployment.EndpointName, deployment.Status)

	for _, sample := range p.Config.Samples {
		resp, err := s.Predictor.Predict(ctx, deployment.EndpointName, sample)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "> %s\n%s\n", sample.Inputs, resp.Text())
	}
	if opts.Keep {
		fmt.Fprintf(out, "Endpoint %s kept, delete it with: smdeploy delete %s\n", deployment.EndpointName, deployment.EndpointName)
	}
	return nil
}

func fileExists(name string) bool {
	fi, err := os.Stat(name)
	return err == nil && !fi.IsDir()
}
