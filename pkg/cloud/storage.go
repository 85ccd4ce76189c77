package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/go-logr/logr"
	"k8s.io/utils/pointer"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/progress"
)

const (
	MinPartSize = 5 * 1024 * 1024
	// s3 allows at most 10000 parts, keep some headroom.
	maxParts = 9000
)

type S3API interface {
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Storage struct {
	Client      S3API
	Region      string
	Concurrency int
	// Output receives the upload progress bar, discarded when nil.
	Output io.Writer
}

func NewStorage(client S3API, region string) *Storage {
	return &Storage{Client: client, Region: region, Concurrency: manager.DefaultUploadConcurrency}
}

// DefaultBucketName is the per account, per region bucket sagemaker sessions default to.
func DefaultBucketName(region, account string) string {
	return fmt.Sprintf("sagemaker-%s-%s", region, account)
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Storage) EnsureBucket(ctx context.Context, bucket string) error {
	log := logr.FromContextOrDiscard(ctx)
	_, err := s.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("head bucket %s: %w", bucket, err)
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint
	if s.Region != "" && s.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.Region),
		}
	}
	log.Info("creating bucket", "bucket", bucket, "region", s.Region)
	if _, err := s.Client.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// MetadataDigest is the user metadata key holding the uploaded file digest.
const MetadataDigest = "digest"

type ObjectInfo struct {
	Size     int64
	Metadata map[string]string
}

// ObjectURI resolves the object uri localfile is uploaded to. A uri ending in "/" is
// treated as a prefix and the file's base name is appended.
func ObjectURI(localfile string, s3uri string) (string, error) {
	bucket, key, err := ParseS3URI(s3uri)
	if err != nil {
		return "", err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		key = path.Join(key, filepath.Base(localfile))
	}
	return JoinS3URI(bucket, key), nil
}

// Upload puts localfile at the ObjectURI of s3uri with metadata attached and returns that uri.
func (s *Storage) Upload(ctx context.Context, localfile string, s3uri string, metadata map[string]string) (string, error) {
	log := logr.FromContextOrDiscard(ctx)
	objecturi, err := ObjectURI(localfile, s3uri)
	if err != nil {
		return "", err
	}
	bucket, key, err := ParseS3URI(objecturi)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localfile)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}

	out := s.Output
	if out == nil {
		out = io.Discard
	}
	mb := progress.NewMultiBar(out, 40, 1)
	runctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mb.Run(runctx)

	uploader := manager.NewUploader(s.Client, func(u *manager.Uploader) {
		u.PartSize = PartSize(fi.Size())
		if s.Concurrency > 0 {
			u.Concurrency = s.Concurrency
		}
	})
	log.Info("uploading", "file", localfile, "bucket", bucket, "key", key, "size", fi.Size())
	mb.Go(filepath.Base(localfile), "pending", func(b *progress.Bar) error {
		body := b.WrapReader(io.NopCloser(f), filepath.Base(localfile), fi.Size(), "uploading", "uploaded")
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentType:   aws.String("application/x-gzip"),
			ContentLength: pointer.Int64(fi.Size()),
			Metadata:      metadata,
		})
		return err
	})
	if err := mb.Wait(); err != nil {
		return "", fmt.Errorf("upload %s: %w", localfile, err)
	}
	return objecturi, nil
}

// Exists reports whether the object exists, with its size and user metadata.
func (s *Storage) Exists(ctx context.Context, s3uri string) (bool, ObjectInfo, error) {
	bucket, key, err := ParseS3URI(s3uri)
	if err != nil {
		return false, ObjectInfo{}, err
	}
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		if IsNotFound(err) {
			return false, ObjectInfo{}, nil
		}
		return false, ObjectInfo{}, err
	}
	return true, ObjectInfo{Size: aws.ToInt64(out.ContentLength), Metadata: out.Metadata}, nil
}

func (s *Storage) Delete(ctx context.Context, s3uri string) error {
	bucket, key, err := ParseS3URI(s3uri)
	if err != nil {
		return err
	}
	_, err = s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// PartSize grows the multipart chunk so large archives stay under the part limit.
func PartSize(total int64) int64 {
	size := int64(MinPartSize)
	for total/size >= maxParts {
		size *= 2
	}
	return size
}

func ParseS3URI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", smerrors.NewParameterInvalidError(fmt.Sprintf("invalid s3 uri %q: missing s3:// scheme", uri))
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", smerrors.NewParameterInvalidError(fmt.Sprintf("invalid s3 uri %q: empty bucket", uri))
	}
	return bucket, key, nil
}

func JoinS3URI(bucket string, parts ...string) string {
	key := path.Join(parts...)
	if key == "" || key == "." {
		return "s3://" + bucket + "/"
	}
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	var apierr smithy.APIError
	if errors.As(err, &apierr) {
		switch apierr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}
