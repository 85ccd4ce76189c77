package project

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	rttypes "github.com/aws/aws-sdk-go-v2/service/sagemakerruntime/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"kubegems.io/smdeploy/pkg/cloud"
	"kubegems.io/smdeploy/pkg/deploy"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/hub"
	"kubegems.io/smdeploy/pkg/predict"
	"kubegems.io/smdeploy/pkg/state"
	"kubegems.io/smdeploy/pkg/types"
)

const (
	testAccount = "123456789012"
	testRoleARN = "arn:aws:iam::123456789012:role/service/SageMakerRole"
)

type fakeIdentity struct{}

func (fakeIdentity) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(testAccount),
		Arn:     aws.String("arn:aws:sts::123456789012:assumed-role/SageMakerRole/notebook"),
	}, nil
}

func (fakeIdentity) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if aws.ToString(params.RoleName) != "SageMakerRole" {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{RoleName: params.RoleName, Arn: aws.String(testRoleARN)}}, nil
}

type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	puts     int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeBucket) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	f.objects[key] = data
	f.metadata[key] = params.Metadata
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload not expected")
}

func (f *fakeBucket) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not expected")
}

func (f *fakeBucket) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not expected")
}

func (f *fakeBucket) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeBucket) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeBucket) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeBucket) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	data, ok := f.objects[key]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), Metadata: f.metadata[key]}, nil
}

func (f *fakeBucket) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type fakeSageMaker struct {
	mu        sync.Mutex
	models    map[string]*sagemaker.CreateModelInput
	configs   map[string]*sagemaker.CreateEndpointConfigInput
	endpoints map[string]string
	// statuses are returned by successive DescribeEndpoint calls, the last one sticks.
	statuses          []smtypes.EndpointStatus
	onDescribe        func()
	createEndpointErr error
	deleted           []string
}

func newFakeSageMaker(statuses ...smtypes.EndpointStatus) *fakeSageMaker {
	return &fakeSageMaker{
		models:    map[string]*sagemaker.CreateModelInput{},
		configs:   map[string]*sagemaker.CreateEndpointConfigInput{},
		endpoints: map[string]string{},
		statuses:  statuses,
	}
}

func notFound(kind, name string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: "Could not find " + kind + " \"" + name + "\"."}
}

func (f *fakeSageMaker) CreateModel(ctx context.Context, params *sagemaker.CreateModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[aws.ToString(params.ModelName)] = params
	return &sagemaker.CreateModelOutput{}, nil
}

func (f *fakeSageMaker) CreateEndpointConfig(ctx context.Context, params *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[aws.ToString(params.EndpointConfigName)] = params
	return &sagemaker.CreateEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) CreateEndpoint(ctx context.Context, params *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createEndpointErr != nil {
		return nil, f.createEndpointErr
	}
	f.endpoints[aws.ToString(params.EndpointName)] = aws.ToString(params.EndpointConfigName)
	return &sagemaker.CreateEndpointOutput{}, nil
}

func (f *fakeSageMaker) DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onDescribe != nil {
		f.onDescribe()
		f.onDescribe = nil
	}
	name := aws.ToString(params.EndpointName)
	config, ok := f.endpoints[name]
	if !ok {
		return nil, notFound("endpoint", name)
	}
	status := smtypes.EndpointStatusInService
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	out := &sagemaker.DescribeEndpointOutput{
		EndpointName:       params.EndpointName,
		EndpointConfigName: aws.String(config),
		EndpointStatus:     status,
	}
	if status == smtypes.EndpointStatusFailed {
		out.FailureReason = aws.String("CUDA out of memory")
	}
	return out, nil
}

func (f *fakeSageMaker) DescribeEndpointConfig(ctx context.Context, params *sagemaker.DescribeEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	config, ok := f.configs[aws.ToString(params.EndpointConfigName)]
	if !ok {
		return nil, notFound("endpoint configuration", aws.ToString(params.EndpointConfigName))
	}
	return &sagemaker.DescribeEndpointConfigOutput{
		EndpointConfigName: config.EndpointConfigName,
		ProductionVariants: config.ProductionVariants,
	}, nil
}

func (f *fakeSageMaker) DescribeModel(ctx context.Context, params *sagemaker.DescribeModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	model, ok := f.models[aws.ToString(params.ModelName)]
	if !ok {
		return nil, notFound("model", aws.ToString(params.ModelName))
	}
	return &sagemaker.DescribeModelOutput{
		ModelName:        model.ModelName,
		ExecutionRoleArn: model.ExecutionRoleArn,
		PrimaryContainer: model.PrimaryContainer,
	}, nil
}

func (f *fakeSageMaker) DeleteEndpoint(ctx context.Context, params *sagemaker.DeleteEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.EndpointName)
	if _, ok := f.endpoints[name]; !ok {
		return nil, notFound("endpoint", name)
	}
	delete(f.endpoints, name)
	f.deleted = append(f.deleted, "endpoint/"+name)
	return &sagemaker.DeleteEndpointOutput{}, nil
}

func (f *fakeSageMaker) DeleteEndpointConfig(ctx context.Context, params *sagemaker.DeleteEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.EndpointConfigName)
	if _, ok := f.configs[name]; !ok {
		return nil, notFound("endpoint configuration", name)
	}
	delete(f.configs, name)
	f.deleted = append(f.deleted, "endpoint-config/"+name)
	return &sagemaker.DeleteEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) DeleteModel(ctx context.Context, params *sagemaker.DeleteModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.ModelName)
	if _, ok := f.models[name]; !ok {
		return nil, notFound("model", name)
	}
	delete(f.models, name)
	f.deleted = append(f.deleted, "model/"+name)
	return &sagemaker.DeleteModelOutput{}, nil
}

// fakeRuntime answers like the generated handler with the inputs upper cased.
type fakeRuntime struct {
	mu       sync.Mutex
	inputs   []string
	modelErr bool
}

func (f *fakeRuntime) InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modelErr {
		return nil, &rttypes.ModelError{OriginalStatusCode: aws.Int32(500), OriginalMessage: aws.String("CUDA error")}
	}
	req := types.PredictRequest{}
	if err := json.Unmarshal(params.Body, &req); err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, req.Inputs)
	body, _ := json.Marshal(types.PredictResponse{{GeneratedText: strings.ToUpper(req.Inputs)}})
	return &sagemakerruntime.InvokeEndpointOutput{Body: body, ContentType: aws.String(predict.ContentTypeJSON)}, nil
}

type testCloud struct {
	bucket    *fakeBucket
	sagemaker *fakeSageMaker
	runtime   *fakeRuntime
	session   *Session
	store     *state.Store
}

var testNow = time.Date(2023, 3, 1, 10, 20, 30, 0, time.UTC)

func newTestCloud(t *testing.T, sm *fakeSageMaker) *testCloud {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	tc := &testCloud{bucket: newFakeBucket(), sagemaker: sm, runtime: &fakeRuntime{}, store: store}
	tc.session = &Session{
		Region:  "us-east-1",
		STS:     fakeIdentity{},
		IAM:     fakeIdentity{},
		Storage: cloud.NewStorage(tc.bucket, "us-east-1"),
		Deployer: &deploy.Deployer{
			API:          sm,
			PollInterval: time.Millisecond,
			Timeout:      5 * time.Second,
			Now:          func() time.Time { return testNow },
		},
		Predictor: predict.NewClient(tc.runtime),
	}
	return tc
}

func newTinyProject(t *testing.T) *Project {
	t.Helper()
	dir := t.TempDir()
	if err := InitProject(context.Background(), dir, false); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProject(dir)
	if err != nil {
		t.Fatal(err)
	}
	p.Config.Model.ID = "org/tiny-t5"
	p.Config.Model.CacheDir = filepath.Join(dir, ".cache")
	return p
}

func TestRun(t *testing.T) {
	srv := newTinyHub(t)
	const endpoint = "huggingface-pytorch-inference-2023-03-01-10-20-30-000"
	allDeleted := []string{"endpoint/" + endpoint, "endpoint-config/" + endpoint, "model/" + endpoint}

	tests := []struct {
		name        string
		statuses    []smtypes.EndpointStatus
		modelErr    bool
		createErr   error
		interrupt   bool
		opts        RunOptions
		wantErr     string
		wantInputs  int
		wantDeleted []string
		wantRecord  bool
		wantOutput  string
	}{
		{
			name:        "predict and tear down",
			statuses:    []smtypes.EndpointStatus{smtypes.EndpointStatusCreating, smtypes.EndpointStatusInService},
			wantInputs:  2,
			wantDeleted: allDeleted,
			wantOutput:  "Deleted endpoint " + endpoint,
		},
		{
			name:       "keep",
			statuses:   []smtypes.EndpointStatus{smtypes.EndpointStatusInService},
			opts:       RunOptions{Keep: true},
			wantInputs: 2,
			wantRecord: true,
			wantOutput: "kept",
		},
		{
			name:        "failed endpoint is torn down",
			statuses:    []smtypes.EndpointStatus{smtypes.EndpointStatusCreating, smtypes.EndpointStatusFailed},
			wantErr:     "CUDA out of memory",
			wantDeleted: allDeleted,
		},
		{
			name:        "failed prediction is torn down",
			statuses:    []smtypes.EndpointStatus{smtypes.EndpointStatusInService},
			modelErr:    true,
			wantErr:     "model error",
			wantDeleted: allDeleted,
		},
		{
			name:        "interrupted wait is torn down",
			statuses:    []smtypes.EndpointStatus{smtypes.EndpointStatusCreating},
			interrupt:   true,
			wantErr:     endpoint,
			wantDeleted: allDeleted,
		},
		{
			name:        "partial deployment is torn down",
			createErr:   errors.New("ResourceLimitExceeded"),
			wantErr:     "ResourceLimitExceeded",
			wantDeleted: []string{"endpoint-config/" + endpoint, "model/" + endpoint},
		},
		{
			name:       "partial deployment kept on record",
			createErr:  errors.New("ResourceLimitExceeded"),
			opts:       RunOptions{Keep: true},
			wantErr:    "ResourceLimitExceeded",
			wantRecord: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sm := newFakeSageMaker(tt.statuses...)
			sm.createEndpointErr = tt.createErr
			if tt.interrupt {
				sm.onDescribe = cancel
			}
			tc := newTestCloud(t, sm)
			tc.runtime.modelErr = tt.modelErr
			p := newTinyProject(t)

			out := &bytes.Buffer{}
			err := Run(ctx, tc.session, tc.store, p, hub.NewClient(srv.URL, ""), out, io.Discard, tt.opts)
			if tt.wantErr == "" && err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("Run() error = %v, want %q", err, tt.wantErr)
			}
			if len(tc.runtime.inputs) != tt.wantInputs {
				t.Errorf("predictions = %v, want %d", tc.runtime.inputs, tt.wantInputs)
			}
			if !reflect.DeepEqual(sm.deleted, tt.wantDeleted) {
				t.Errorf("deleted = %v, want %v", sm.deleted, tt.wantDeleted)
			}
			record, err := tc.store.Get(context.Background(), endpoint)
			if tt.wantRecord {
				if err != nil {
					t.Errorf("record missing: %v", err)
				} else if record.ModelDataURL != "s3://sagemaker-us-east-1-123456789012/flan-t5-xxl/model.tar.gz" ||
					record.RoleARN != testRoleARN || record.ArchiveDigest == "" {
					t.Errorf("record = %+v", record)
				}
			} else if !smerrors.IsErrCode(err, smerrors.ErrCodeEndpointUnknown) {
				t.Errorf("record left behind: %+v, %v", record, err)
			}
			if !strings.Contains(out.String(), tt.wantOutput) {
				t.Errorf("output = %q, want %q", out.String(), tt.wantOutput)
			}
			if len(tc.bucket.objects) != 1 {
				t.Errorf("uploaded objects = %d, want 1", len(tc.bucket.objects))
			}
		})
	}
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	srv := newTinyHub(t)
	tc := newTestCloud(t, newFakeSageMaker())
	p := newTinyProject(t)
	p.Config.Storage.Bucket = "models"

	if _, err := Upload(ctx, tc.session, p, UploadOptions{}); !smerrors.IsErrCode(err, smerrors.ErrCodeInvalidParameter) {
		t.Fatalf("Upload() before pack error = %v", err)
	}
	if _, err := Download(ctx, p, hub.NewClient(srv.URL, ""), io.Discard); err != nil {
		t.Fatal(err)
	}
	manifest, err := Pack(ctx, p, PackOptions{})
	if err != nil {
		t.Fatal(err)
	}

	uri, err := Upload(ctx, tc.session, p, UploadOptions{})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if uri != "s3://models/flan-t5-xxl/model.tar.gz" {
		t.Errorf("Upload() = %v", uri)
	}
	if got := tc.bucket.metadata["models/flan-t5-xxl/model.tar.gz"][cloud.MetadataDigest]; got != manifest.Digest.String() {
		t.Errorf("digest metadata = %v, want %v", got, manifest.Digest)
	}

	tests := []struct {
		name     string
		opts     UploadOptions
		wantPuts int
	}{
		{name: "same archive skipped", opts: UploadOptions{Digest: manifest.Digest}, wantPuts: 1},
		{name: "digest computed from file", opts: UploadOptions{}, wantPuts: 1},
		{name: "other digest uploaded", opts: UploadOptions{Digest: "sha256:0000000000000000000000000000000000000000000000000000000000000000"}, wantPuts: 2},
		{name: "force", opts: UploadOptions{Digest: manifest.Digest, Force: true}, wantPuts: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Upload(ctx, tc.session, p, tt.opts); err != nil {
				t.Fatal(err)
			}
			if tc.bucket.puts != tt.wantPuts {
				t.Errorf("puts = %d, want %d", tc.bucket.puts, tt.wantPuts)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("recorded deployment with archive", func(t *testing.T) {
		sm := newFakeSageMaker()
		tc := newTestCloud(t, sm)
		sm.models["m1"] = &sagemaker.CreateModelInput{ModelName: aws.String("m1")}
		sm.configs["e1"] = &sagemaker.CreateEndpointConfigInput{EndpointConfigName: aws.String("e1")}
		sm.endpoints["e1"] = "e1"
		tc.bucket.objects["b/p/model.tar.gz"] = []byte("archive")
		deployment := types.Deployment{EndpointName: "e1", EndpointConfigName: "e1", ModelName: "m1", ModelDataURL: "s3://b/p/model.tar.gz"}
		if err := tc.store.Put(ctx, deployment); err != nil {
			t.Fatal(err)
		}

		if err := Delete(ctx, tc.session, tc.store, "e1", DeleteOptions{DeleteArchive: true}); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if want := []string{"endpoint/e1", "endpoint-config/e1", "model/m1"}; !reflect.DeepEqual(sm.deleted, want) {
			t.Errorf("deleted = %v, want %v", sm.deleted, want)
		}
		if _, ok := tc.bucket.objects["b/p/model.tar.gz"]; ok {
			t.Errorf("archive not deleted")
		}
		if _, err := tc.store.Get(ctx, "e1"); !smerrors.IsErrCode(err, smerrors.ErrCodeEndpointUnknown) {
			t.Errorf("record not removed: %v", err)
		}
	})

	t.Run("unrecorded endpoint is described", func(t *testing.T) {
		sm := newFakeSageMaker()
		tc := newTestCloud(t, sm)
		sm.models["orphan-model"] = &sagemaker.CreateModelInput{
			ModelName:        aws.String("orphan-model"),
			PrimaryContainer: &smtypes.ContainerDefinition{ModelDataUrl: aws.String("s3://b/orphan/model.tar.gz")},
		}
		sm.configs["orphan-config"] = &sagemaker.CreateEndpointConfigInput{
			EndpointConfigName: aws.String("orphan-config"),
			ProductionVariants: []smtypes.ProductionVariant{{ModelName: aws.String("orphan-model"), VariantName: aws.String(deploy.VariantName)}},
		}
		sm.endpoints["orphan"] = "orphan-config"
		tc.bucket.objects["b/orphan/model.tar.gz"] = []byte("archive")

		if err := Delete(ctx, tc.session, tc.store, "orphan", DeleteOptions{}); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if want := []string{"endpoint/orphan", "endpoint-config/orphan-config", "model/orphan-model"}; !reflect.DeepEqual(sm.deleted, want) {
			t.Errorf("deleted = %v, want %v", sm.deleted, want)
		}
		if _, ok := tc.bucket.objects["b/orphan/model.tar.gz"]; !ok {
			t.Errorf("archive deleted without DeleteArchive")
		}
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		tc := newTestCloud(t, newFakeSageMaker())
		if err := Delete(ctx, tc.session, tc.store, "missing", DeleteOptions{}); !smerrors.IsErrCode(err, smerrors.ErrCodeEndpointUnknown) {
			t.Errorf("Delete() error = %v, want %s", err, smerrors.ErrCodeEndpointUnknown)
		}
	})
}
