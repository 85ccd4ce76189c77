package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"
	"kubegems.io/smdeploy/pkg/archive"
	"kubegems.io/smdeploy/pkg/cloud"
	"kubegems.io/smdeploy/pkg/deploy"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/handler"
	"kubegems.io/smdeploy/pkg/hub"
	"kubegems.io/smdeploy/pkg/predict"
	"kubegems.io/smdeploy/pkg/state"
	"kubegems.io/smdeploy/pkg/types"
)

const ReadmeFileName = "README.md"

// RequiredMembers must be present in every packed archive.
var RequiredMembers = []string{
	"config.json",
	types.CodeDirName + "/" + handler.InferenceFileName,
	types.CodeDirName + "/" + handler.RequirementsFileName,
}

// Project is a directory holding smdeploy.yaml, the handler code and the downloaded weights.
type Project struct {
	Dir    string
	Config types.ProjectConfig
}

func LoadProject(dir string) (*Project, error) {
	return LoadProjectFile(dir, "")
}

// LoadProjectFile reads configfile, or <dir>/smdeploy.yaml when empty.
func LoadProjectFile(dir string, configfile string) (*Project, error) {
	if configfile == "" {
		configfile = filepath.Join(dir, types.ProjectConfigFileName)
	}
	if _, err := os.Stat(configfile); errors.Is(err, os.ErrNotExist) {
		return nil, smerrors.NewConfigInvalidError(fmt.Sprintf("%s not found, run smdeploy init %s first", configfile, dir))
	}
	config, err := types.LoadProjectConfig(configfile)
	if err != nil {
		return nil, smerrors.NewConfigInvalidError(err.Error())
	}
	if err := config.Validate(); err != nil {
		return nil, smerrors.NewConfigInvalidError(err.Error())
	}
	return &Project{Dir: dir, Config: config}, nil
}

func (p *Project) ModelDir() string {
	return filepath.Join(p.Dir, p.Config.ModelDirName())
}

func (p *Project) CodeDir() string {
	return filepath.Join(p.Dir, types.CodeDirName)
}

func (p *Project) ArchiveFile() string {
	return filepath.Join(p.Dir, types.ArchiveFileName)
}

// StoragePrefix is the s3 prefix the archive is uploaded under, always ending with "/".
func (p *Project) StoragePrefix(bucket string) string {
	uri := cloud.JoinS3URI(bucket, p.Config.Storage.Prefix)
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}
	return uri
}

func InitProject(ctx context.Context, dir string, force bool) error {
	configfile := filepath.Join(dir, types.ProjectConfigFileName)
	if _, err := os.Stat(configfile); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	} else if !force {
		return fmt.Errorf("%s already exists", configfile)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project directory:%s %w", dir, err)
	}

	config := types.DefaultProjectConfig()
	if err := types.SaveProjectConfig(configfile, config); err != nil {
		return err
	}
	if err := handler.Write(ctx, filepath.Join(dir, types.CodeDirName), handler.OptionsFromConfig(config.Handler)); err != nil {
		return err
	}

	readmefile := filepath.Join(dir, ReadmeFileName)
	if _, err := os.Stat(readmefile); errors.Is(err, os.ErrNotExist) {
		readmecontent := fmt.Sprintf("# %s\n\nServes %s on a sagemaker endpoint.\n", filepath.Base(dir), config.Model.ID)
		if err := os.WriteFile(readmefile, []byte(readmecontent), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Download fetches the model snapshot and lays it out with the handler code under ModelDir.
func Download(ctx context.Context, p *Project, client *hub.Client, out io.Writer) ([]types.Descriptor, error) {
	log := logr.FromContextOrDiscard(ctx)
	source := p.Config.Model

	cachedir := source.CacheDir
	if cachedir == "" {
		tmp, err := os.MkdirTemp("", "smdeploy-snapshot-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)
		cachedir = tmp
	}
	descs, err := client.Snapshot(ctx, source.ID, hub.SnapshotOptions{
		Revision:       source.Revision,
		Dir:            cachedir,
		AllowPatterns:  source.AllowPatterns,
		IgnorePatterns: source.IgnorePatterns,
		Output:         out,
	})
	if err != nil {
		return nil, err
	}
	log.Info("copying snapshot", "dir", p.ModelDir())
	if err := archive.CopyTree(ctx, cachedir, p.ModelDir()); err != nil {
		return nil, err
	}
	if err := syncCode(ctx, p); err != nil {
		return nil, err
	}
	return descs, nil
}

// syncCode copies code/ into the model directory, rendering it first when missing.
func syncCode(ctx context.Context, p *Project) error {
	if _, err := os.Stat(p.CodeDir()); errors.Is(err, os.ErrNotExist) {
		if err := handler.Write(ctx, p.CodeDir(), handler.OptionsFromConfig(p.Config.Handler)); err != nil {
			return err
		}
	}
	return archive.CopyTree(ctx, p.CodeDir(), filepath.Join(p.ModelDir(), types.CodeDirName))
}

type PackOptions struct {
	// Output receives the progress bar, discarded when nil.
	Output io.Writer
	// Verify also extracts the archive and looks for the required members.
	Verify bool
}

// Pack archives ModelDir into a flat model.tar.gz and checks its layout.
func Pack(ctx context.Context, p *Project, opts PackOptions) (*types.ArchiveManifest, error) {
	log := logr.FromContextOrDiscard(ctx)
	if _, err := os.Stat(p.ModelDir()); err != nil {
		if os.IsNotExist(err) {
			return nil, smerrors.NewParameterInvalidError(fmt.Sprintf("model directory %s not found, run smdeploy download first", p.ModelDir()))
		}
		return nil, err
	}
	if err := syncCode(ctx, p); err != nil {
		return nil, err
	}
	log.Info("packing", "dir", p.ModelDir(), "archive", p.ArchiveFile())
	if _, err := archive.TGZ(ctx, p.ModelDir(), p.ArchiveFile(), opts.Output); err != nil {
		return nil, fmt.Errorf("pack %s: %w", p.ModelDir(), err)
	}
	manifest, err := archive.List(ctx, p.ArchiveFile())
	if err != nil {
		return nil, err
	}
	if err := archive.Verify(manifest, RequiredMembers); err != nil {
		return nil, err
	}
	if opts.Verify {
		log.Info("extracting to verify", "archive", p.ArchiveFile())
		if err := archive.CheckExtract(ctx, p.ArchiveFile(), RequiredMembers); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

// Session groups the cloud side services of one command run.
type Session struct {
	Region    string
	STS       cloud.STSAPI
	IAM       cloud.IAMAPI
	Storage   *cloud.Storage
	Deployer  *deploy.Deployer
	Predictor *predict.Client
}

func NewSession(ctx context.Context, opts *cloud.Options, out io.Writer) (*Session, error) {
	clients, err := cloud.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	storage := cloud.NewStorage(clients.S3, clients.Region)
	storage.Output = out
	return &Session{
		Region:    clients.Region,
		STS:       clients.STS,
		IAM:       clients.IAM,
		Storage:   storage,
		Deployer:  deploy.NewDeployer(clients.SageMaker),
		Predictor: predict.NewClient(clients.Runtime),
	}, nil
}

// Bucket returns the configured bucket or the account default, creating it when missing.
func (s *Session) Bucket(ctx context.Context, configured string) (string, error) {
	bucket := configured
	if bucket == "" {
		account, err := cloud.AccountID(ctx, s.STS)
		if err != nil {
			return "", err
		}
		bucket = cloud.DefaultBucketName(s.Region, account)
	}
	if err := s.Storage.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}
	return bucket, nil
}

type UploadOptions struct {
	// Digest of the archive, computed from the file when empty.
	Digest digest.Digest
	// Force uploads even when the same archive is already in the bucket.
	Force bool
}

// Upload puts the packed archive under the project prefix. An object with the same
// size and digest is left in place.
func Upload(ctx context.Context, s *Session, p *Project, opts UploadOptions) (string, error) {
	log := logr.FromContextOrDiscard(ctx)
	fi, err := os.Stat(p.ArchiveFile())
	if err != nil {
		if os.IsNotExist(err) {
			return "", smerrors.NewParameterInvalidError(fmt.Sprintf("archive %s not found, run smdeploy pack first", p.ArchiveFile()))
		}
		return "", err
	}
	archivedigest := opts.Digest
	if archivedigest == "" {
		if archivedigest, err = fileDigest(p.ArchiveFile()); err != nil {
			return "", err
		}
	}
	bucket, err := s.Bucket(ctx, p.Config.Storage.Bucket)
	if err != nil {
		return "", err
	}
	uri, err := cloud.ObjectURI(p.ArchiveFile(), p.StoragePrefix(bucket))
	if err != nil {
		return "", err
	}
	if !opts.Force {
		exists, info, err := s.Storage.Exists(ctx, uri)
		if err != nil {
			return "", err
		}
		if exists && info.Size == fi.Size() && info.Metadata[cloud.MetadataDigest] == archivedigest.String() {
			log.Info("archive already uploaded", "uri", uri, "digest", archivedigest)
			return uri, nil
		}
	}
	return s.Storage.Upload(ctx, p.ArchiveFile(), uri, map[string]string{cloud.MetadataDigest: archivedigest.String()})
}

func fileDigest(filename string) (digest.Digest, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}

// Overrides are command line values taking precedence over the project file.
type Overrides struct {
	RoleARN       string
	InstanceType  string
	InstanceCount int32
	EndpointName  string
	Bucket        string
}

func (o *Overrides) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.RoleARN, "role", o.RoleARN, "execution role arn, resolved from the caller when empty")
	fs.StringVar(&o.InstanceType, "instance-type", o.InstanceType, "endpoint instance type, e.g. ml.g5.12xlarge")
	fs.Int32Var(&o.InstanceCount, "instance-count", o.InstanceCount, "endpoint instance count")
	fs.StringVar(&o.EndpointName, "endpoint-name", o.EndpointName, "endpoint name, generated when empty")
	fs.StringVar(&o.Bucket, "bucket", o.Bucket, "s3 bucket, defaults to sagemaker-<region>-<account>")
}

func (o *Overrides) Apply(p *Project) error {
	if o.RoleARN != "" {
		p.Config.Deploy.RoleARN = o.RoleARN
	}
	if o.InstanceType != "" {
		p.Config.Deploy.InstanceType = o.InstanceType
	}
	if o.InstanceCount != 0 {
		p.Config.Deploy.InstanceCount = o.InstanceCount
	}
	if o.EndpointName != "" {
		p.Config.Deploy.EndpointName = o.EndpointName
	}
	if o.Bucket != "" {
		p.Config.Storage.Bucket = o.Bucket
	}
	if err := p.Config.Validate(); err != nil {
		return smerrors.NewConfigInvalidError(err.Error())
	}
	return nil
}

type DeployOptions struct {
	ModelDataURL  string
	ArchiveDigest digest.Digest
	NoWait        bool
}

// Deploy creates the endpoint and records it, a partially created deployment is recorded too.
func Deploy(ctx context.Context, s *Session, store *state.Store, p *Project, opts DeployOptions) (*types.Deployment, error) {
	config := p.Config.Deploy
	role, err := cloud.ResolveExecutionRole(ctx, s.STS, s.IAM, cloud.RoleOptions{
		RoleARN:          config.RoleARN,
		FallbackRoleName: config.RoleName,
	})
	if err != nil {
		return nil, err
	}
	image, err := deploy.ImageURI(s.Region, deploy.ImageOptions{
		TransformersVersion: config.TransformersVersion,
		PytorchVersion:      config.PytorchVersion,
		PythonVersion:       config.PythonVersion,
		InstanceType:        config.InstanceType,
		Image:               config.Image,
	})
	if err != nil {
		return nil, err
	}
	deployment, err := s.Deployer.Deploy(ctx, deploy.Spec{
		Name:               config.ModelName,
		EndpointName:       config.EndpointName,
		Region:             s.Region,
		Image:              image,
		ModelDataURL:       opts.ModelDataURL,
		RoleARN:            role,
		InstanceType:       config.InstanceType,
		InstanceCount:      config.InstanceCount,
		Environment:        config.Environment,
		HealthCheckTimeout: config.HealthCheckTimeout,
		ArchiveDigest:      opts.ArchiveDigest,
		Wait:               !opts.NoWait,
	})
	if deployment != nil && store != nil {
		if perr := store.Put(ctx, *deployment); perr != nil {
			logr.FromContextOrDiscard(ctx).Error(perr, "record deployment", "endpoint", deployment.EndpointName)
		}
	}
	return deployment, err
}

type DeleteOptions struct {
	// DeleteArchive also removes the uploaded model archive.
	DeleteArchive bool
}

// Delete tears down the endpoint, its config and model, then forgets the record.
func Delete(ctx context.Context, s *Session, store *state.Store, endpoint string, opts DeleteOptions) error {
	deployment, err := store.Get(ctx, endpoint)
	if err != nil {
		if !smerrors.IsErrCode(err, smerrors.ErrCodeEndpointUnknown) {
			return err
		}
		// not created by this machine, read it back from the service
		if deployment, err = s.Deployer.Describe(ctx, endpoint); err != nil {
			return err
		}
	}
	if err := s.Deployer.Delete(ctx, deploy.DeleteOptionsFor(deployment)); err != nil {
		return err
	}
	if opts.DeleteArchive && deployment.ModelDataURL != "" {
		if err := s.Storage.Delete(ctx, deployment.ModelDataURL); err != nil {
			return err
		}
	}
	return store.Remove(ctx, endpoint)
}
