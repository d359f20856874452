// Package artifactstore resolves artifact storage locators against the
// backing object store. The engine never downloads artifact bytes; this
// package only answers "does the object still exist, and how big is it",
// which the operator CLI uses as a preflight before requesting a resume.
package artifactstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bldst/buildstate/pkg/core"
)

// Info describes a stored artifact object.
type Info struct {
	Exists    bool
	SizeBytes int64
	ETag      string
}

// Stater answers existence/size queries for artifact locators.
type Stater interface {
	Stat(ctx context.Context, a *core.Artifact) (Info, error)
}

// ErrUnsupportedBackend is returned for locators this stater cannot
// resolve.
var ErrUnsupportedBackend = errors.New("artifactstore: unsupported storage backend")

// S3Stater resolves "s3" locators via HeadObject.
type S3Stater struct {
	client *s3.Client
}

// NewS3Stater creates a stater using the default AWS credential chain.
func NewS3Stater(ctx context.Context, region string) (*S3Stater, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: load aws config: %w", err)
	}
	return &S3Stater{client: s3.NewFromConfig(cfg)}, nil
}

// NewS3StaterFromClient creates a stater over an existing client.
func NewS3StaterFromClient(client *s3.Client) *S3Stater {
	return &S3Stater{client: client}
}

// Stat issues a HeadObject for the artifact's bucket/key. A missing object
// is reported as Exists == false, not as an error, so callers can
// distinguish "gone" from "could not check".
func (s *S3Stater) Stat(ctx context.Context, a *core.Artifact) (Info, error) {
	if a.StorageBackend != "s3" {
		return Info{}, ErrUnsupportedBackend
	}
	if a.StorageBucket == "" || a.StorageKey == "" {
		return Info{}, fmt.Errorf("artifactstore: artifact %s has no s3 locator", a.ID)
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.StorageBucket),
		Key:    aws.String(a.StorageKey),
	})
	if err != nil {
		if isNotFound(err) {
			return Info{Exists: false}, nil
		}
		return Info{}, fmt.Errorf("artifactstore: head s3://%s/%s: %w", a.StorageBucket, a.StorageKey, err)
	}

	info := Info{Exists: true}
	if out.ContentLength != nil {
		info.SizeBytes = *out.ContentLength
	}
	if out.ETag != nil {
		info.ETag = *out.ETag
	}
	return info, nil
}

func isNotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
