// Package cloud holds the aws session, execution role and object storage helpers.
package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
)

type Options struct {
	Region       string `json:"region,omitempty"`
	Profile      string `json:"profile,omitempty"`
	AccessKey    string `json:"accessKey,omitempty"`
	SecretKey    string `json:"secretKey,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
	// S3Endpoint overrides the object storage endpoint, e.g. a local minio.
	S3Endpoint string `json:"s3Endpoint,omitempty"`
	PathStyle  bool   `json:"pathStyle,omitempty"`
}

func NewDefaultOptions() *Options {
	return &Options{}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Region, "region", o.Region, "aws region, defaults to the shared config or AWS_REGION")
	fs.StringVar(&o.Profile, "profile", o.Profile, "aws shared config profile")
	fs.StringVar(&o.AccessKey, "access-key", o.AccessKey, "aws access key id, uses the default credential chain when empty")
	fs.StringVar(&o.SecretKey, "secret-key", o.SecretKey, "aws secret access key")
	fs.StringVar(&o.S3Endpoint, "s3-endpoint", o.S3Endpoint, "s3 compatible endpoint url")
	fs.BoolVar(&o.PathStyle, "s3-path-style", o.PathStyle, "use path style s3 addressing")
}

// LoadConfig resolves the ambient aws configuration: environment, shared config, or instance role.
func LoadConfig(ctx context.Context, opts *Options) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loaders = append(loaders, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.AccessKey != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, opts.SessionToken),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return aws.Config{}, fmt.Errorf("aws region is not configured, set --region or AWS_REGION")
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("aws config loaded", "region", cfg.Region, "profile", opts.Profile)
	return cfg, nil
}

// Clients bundles the service clients used by a deployment.
type Clients struct {
	Region    string
	S3        *s3.Client
	IAM       *iam.Client
	STS       *sts.Client
	SageMaker *sagemaker.Client
	Runtime   *sagemakerruntime.Client
}

func NewClients(cfg aws.Config, opts *Options) *Clients {
	return &Clients{
		Region: cfg.Region,
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.S3Endpoint)
			}
			o.UsePathStyle = opts.PathStyle
		}),
		IAM:       iam.NewFromConfig(cfg),
		STS:       sts.NewFromConfig(cfg),
		SageMaker: sagemaker.NewFromConfig(cfg),
		Runtime:   sagemakerruntime.NewFromConfig(cfg),
	}
}

func Connect(ctx context.Context, opts *Options) (*Clients, error) {
	cfg, err := LoadConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewClients(cfg, opts), nil
}
