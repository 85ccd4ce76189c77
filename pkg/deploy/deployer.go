// Package deploy creates and tears down sagemaker real-time endpoints.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"k8s.io/apimachinery/pkg/util/wait"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/types"
)

const (
	VariantName          = "AllTraffic"
	DefaultPollInterval  = 30 * time.Second
	DefaultWaitTimeout   = 60 * time.Minute
	defaultModelBaseName = ImageRepository
)

type SageMakerAPI interface {
	CreateModel(ctx context.Context, params *sagemaker.CreateModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error)
	CreateEndpointConfig(ctx context.Context, params *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error)
	CreateEndpoint(ctx context.Context, params *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error)
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
	DescribeEndpointConfig(ctx context.Context, params *sagemaker.DescribeEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointConfigOutput, error)
	DescribeModel(ctx context.Context, params *sagemaker.DescribeModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeModelOutput, error)
	DeleteEndpoint(ctx context.Context, params *sagemaker.DeleteEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error)
	DeleteEndpointConfig(ctx context.Context, params *sagemaker.DeleteEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error)
	DeleteModel(ctx context.Context, params *sagemaker.DeleteModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error)
}

type Spec struct {
	// Name of the model, generated from the image repository when empty.
	Name string
	// EndpointName defaults to the model name.
	EndpointName       string
	Region             string
	Image              string
	ModelDataURL       string
	RoleARN            string
	InstanceType       string
	InstanceCount      int32
	Environment        map[string]string
	HealthCheckTimeout int32
	ArchiveDigest      digest.Digest
	// Wait blocks until the endpoint is in service.
	Wait bool
}

func (s Spec) Validate() error {
	if s.Image == "" {
		return smerrors.NewParameterInvalidError("image is required")
	}
	if !strings.HasPrefix(s.ModelDataURL, "s3://") {
		return smerrors.NewParameterInvalidError(fmt.Sprintf("model data url %q must be an s3:// uri", s.ModelDataURL))
	}
	if s.RoleARN == "" {
		return smerrors.NewParameterInvalidError("execution role arn is required")
	}
	if !strings.HasPrefix(s.InstanceType, "ml.") {
		return smerrors.NewParameterInvalidError(fmt.Sprintf("instance type %q must start with ml.", s.InstanceType))
	}
	if s.InstanceCount < 1 {
		return smerrors.NewParameterInvalidError(fmt.Sprintf("instance count must be at least 1, got %d", s.InstanceCount))
	}
	return nil
}

type Deployer struct {
	API          SageMakerAPI
	PollInterval time.Duration
	Timeout      time.Duration
	Now          func() time.Time
}

func NewDeployer(api SageMakerAPI) *Deployer {
	return &Deployer{API: api, PollInterval: DefaultPollInterval, Timeout: DefaultWaitTimeout, Now: time.Now}
}

// DefaultEnvironment is the container environment every endpoint gets, user values override it.
func DefaultEnvironment(region string) map[string]string {
	env := map[string]string{
		"SAGEMAKER_CONTAINER_LOG_LEVEL": "20",
	}
	if region != "" {
		env["SAGEMAKER_REGION"] = region
	}
	return env
}

// Deploy registers the model, its endpoint config and the endpoint.
// The returned deployment is usable for Delete even when waiting fails.
func (d *Deployer) Deploy(ctx context.Context, spec Spec) (*types.Deployment, error) {
	log := logr.FromContextOrDiscard(ctx)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	now := d.now()
	modelName := spec.Name
	if modelName == "" {
		modelName = NameFromBase(defaultModelBaseName, now)
	}
	endpointName := spec.EndpointName
	if endpointName == "" {
		endpointName = modelName
	}
	deployment := &types.Deployment{
		EndpointName:       endpointName,
		EndpointConfigName: endpointName,
		ModelName:          modelName,
		Region:             spec.Region,
		Image:              spec.Image,
		ModelDataURL:       spec.ModelDataURL,
		RoleARN:            spec.RoleARN,
		InstanceType:       spec.InstanceType,
		InstanceCount:      spec.InstanceCount,
		ArchiveDigest:      spec.ArchiveDigest,
		Status:             types.EndpointStatusCreating,
		CreatedAt:          now,
	}

	env := DefaultEnvironment(spec.Region)
	for k, v := range spec.Environment {
		env[k] = v
	}
	log.Info("creating model", "model", modelName, "image", spec.Image, "modelData", spec.ModelDataURL)
	if _, err := d.API.CreateModel(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(modelName),
		ExecutionRoleArn: aws.String(spec.RoleARN),
		PrimaryContainer: &smtypes.ContainerDefinition{
			Image:        aws.String(spec.Image),
			ModelDataUrl: aws.String(spec.ModelDataURL),
			Environment:  env,
		},
	}); err != nil {
		return nil, fmt.Errorf("create model %s: %w", modelName, err)
	}

	variant := smtypes.ProductionVariant{
		VariantName:          aws.String(VariantName),
		ModelName:            aws.String(modelName),
		InitialInstanceCount: aws.Int32(spec.InstanceCount),
		InstanceType:         smtypes.ProductionVariantInstanceType(spec.InstanceType),
		InitialVariantWeight: aws.Float32(1),
	}
	if spec.HealthCheckTimeout > 0 {
		variant.ContainerStartupHealthCheckTimeoutInSeconds = aws.Int32(spec.HealthCheckTimeout)
	}
	log.Info("creating endpoint config", "endpointConfig", deployment.EndpointConfigName, "instanceType", spec.InstanceType, "instanceCount", spec.InstanceCount)
	if _, err := d.API.CreateEndpointConfig(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(deployment.EndpointConfigName),
		ProductionVariants: []smtypes.ProductionVariant{variant},
	}); err != nil {
		return deployment, fmt.Errorf("create endpoint config %s: %w", deployment.EndpointConfigName, err)
	}

	log.Info("creating endpoint", "endpoint", endpointName)
	if _, err := d.API.CreateEndpoint(ctx, &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(endpointName),
		EndpointConfigName: aws.String(deployment.EndpointConfigName),
	}); err != nil {
		return deployment, fmt.Errorf("create endpoint %s: %w", endpointName, err)
	}
	if !spec.Wait {
		return deployment, nil
	}
	status, err := d.WaitInService(ctx, endpointName)
	deployment.Status = status
	return deployment, err
}

// WaitInService polls the endpoint until it is in service, failed, or the timeout passes.
func (d *Deployer) WaitInService(ctx context.Context, endpoint string) (string, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("endpoint", endpoint)

	interval, timeout := d.PollInterval, d.Timeout
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	laststatus := ""
	err := wait.PollImmediateUntilWithContext(ctx, interval, func(ctx context.Context) (bool, error) {
		out, err := d.API.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpoint)})
		if err != nil {
			if IsNotFound(err) {
				return false, smerrors.NewEndpointUnknownError(endpoint)
			}
			return false, err
		}
		status := string(out.EndpointStatus)
		if status != laststatus {
			log.Info("endpoint status", "status", status)
			laststatus = status
		}
		switch out.EndpointStatus {
		case smtypes.EndpointStatusInService:
			return true, nil
		case smtypes.EndpointStatusFailed:
			return false, fmt.Errorf("endpoint %s failed: %s", endpoint, aws.ToString(out.FailureReason))
		default:
			return false, nil
		}
	})
	if err != nil && parent.Err() != nil {
		return laststatus, fmt.Errorf("wait for endpoint %s: %w", endpoint, parent.Err())
	}
	if errors.Is(err, wait.ErrWaitTimeout) {
		return laststatus, fmt.Errorf("endpoint %s not in service after %s, last status %q", endpoint, timeout, laststatus)
	}
	if err != nil {
		if laststatus == "" || errors.Is(err, context.Canceled) {
			return laststatus, err
		}
		return types.EndpointStatusFailed, err
	}
	return laststatus, nil
}

// Describe reads back the resources behind an endpoint.
func (d *Deployer) Describe(ctx context.Context, endpoint string) (*types.Deployment, error) {
	out, err := d.API.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpoint)})
	if err != nil {
		if IsNotFound(err) {
			return nil, smerrors.NewEndpointUnknownError(endpoint)
		}
		return nil, err
	}
	deployment := &types.Deployment{
		EndpointName:       endpoint,
		EndpointConfigName: aws.ToString(out.EndpointConfigName),
		Status:             string(out.EndpointStatus),
		CreatedAt:          aws.ToTime(out.CreationTime),
	}
	if deployment.EndpointConfigName == "" {
		return deployment, nil
	}
	config, err := d.API.DescribeEndpointConfig(ctx, &sagemaker.DescribeEndpointConfigInput{
		EndpointConfigName: out.EndpointConfigName,
	})
	if err != nil {
		if IsNotFound(err) {
			return deployment, nil
		}
		return nil, err
	}
	for _, variant := range config.ProductionVariants {
		if deployment.ModelName == "" {
			deployment.ModelName = aws.ToString(variant.ModelName)
			deployment.InstanceType = string(variant.InstanceType)
			deployment.InstanceCount = aws.ToInt32(variant.InitialInstanceCount)
		}
	}
	if deployment.ModelName == "" {
		return deployment, nil
	}
	model, err := d.API.DescribeModel(ctx, &sagemaker.DescribeModelInput{ModelName: aws.String(deployment.ModelName)})
	if err != nil {
		if IsNotFound(err) {
			return deployment, nil
		}
		return nil, err
	}
	deployment.RoleARN = aws.ToString(model.ExecutionRoleArn)
	if model.PrimaryContainer != nil {
		deployment.Image = aws.ToString(model.PrimaryContainer.Image)
		deployment.ModelDataURL = aws.ToString(model.PrimaryContainer.ModelDataUrl)
	}
	return deployment, nil
}

type DeleteOptions struct {
	Endpoint       string
	EndpointConfig string
	Models         []string
	// IgnoreNotFound treats resources already gone as deleted.
	IgnoreNotFound bool
}

func DeleteOptionsFor(deployment *types.Deployment) DeleteOptions {
	opts := DeleteOptions{
		Endpoint:       deployment.EndpointName,
		EndpointConfig: deployment.EndpointConfigName,
		IgnoreNotFound: true,
	}
	if deployment.ModelName != "" {
		opts.Models = []string{deployment.ModelName}
	}
	return opts
}

// Delete removes the endpoint, then its config, then the models.
// Every resource is attempted, the errors are joined.
func (d *Deployer) Delete(ctx context.Context, opts DeleteOptions) error {
	log := logr.FromContextOrDiscard(ctx)
	var errs []error
	check := func(kind, name string, err error) {
		if err == nil {
			log.Info("deleted", "kind", kind, "name", name)
			return
		}
		if IsNotFound(err) && opts.IgnoreNotFound {
			log.V(1).Info("already deleted", "kind", kind, "name", name)
			return
		}
		errs = append(errs, fmt.Errorf("delete %s %s: %w", kind, name, err))
	}
	if opts.Endpoint != "" {
		_, err := d.API.DeleteEndpoint(ctx, &sagemaker.DeleteEndpointInput{EndpointName: aws.String(opts.Endpoint)})
		check("endpoint", opts.Endpoint, err)
	}
	if opts.EndpointConfig != "" {
		_, err := d.API.DeleteEndpointConfig(ctx, &sagemaker.DeleteEndpointConfigInput{EndpointConfigName: aws.String(opts.EndpointConfig)})
		check("endpoint config", opts.EndpointConfig, err)
	}
	for _, model := range opts.Models {
		_, err := d.API.DeleteModel(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(model)})
		check("model", model, err)
	}
	return errors.Join(errs...)
}

// IsNotFound matches the validation errors sagemaker returns for missing resources.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if smerrors.IsErrCode(err, smerrors.ErrCodeEndpointUnknown) {
		return true
	}
	var notfound *smtypes.ResourceNotFound
	if errors.As(err, &notfound) {
		return true
	}
	var apierr smithy.APIError
	if errors.As(err, &apierr) {
		return apierr.ErrorCode() == "ValidationException" && strings.Contains(apierr.ErrorMessage(), "Could not find")
	}
	return false
}

func (d *Deployer) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
