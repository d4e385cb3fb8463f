package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/samber/do"
)

// ObjectPutter is the slice of the S3 client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	Client ObjectPutter
	Bucket string
	Prefix string
}

// NewUploader returns an S3Uploader when an archive bucket is configured and
// Discard otherwise, so the S3 client is only built when needed.
func NewUploader(i *do.Injector) (Uploader, error) {
	bucket := do.MustInvokeNamed[string](i, "archive_bucket")
	if bucket == "" {
		return Discard{}, nil
	}
	return &S3Uploader{
		Client: do.MustInvoke[*s3.Client](i),
		Bucket: bucket,
		Prefix: do.MustInvokeNamed[string](i, "archive_prefix"),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, params UploadParams) error {
	key := u.Prefix + params.Name
	log := log.FromContextOrDiscard(ctx).WithGroup("store").With(
		"key", key,
		"content-type", params.ContentType,
		"bucket", u.Bucket,
	)
	log.Info("uploading to s3")

	_, err := u.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.Bucket),
		Key:          aws.String(key),
		ContentType:  aws.String(params.ContentType),
		Body:         bytes.NewReader(params.Data),
		Metadata:     params.Metadata,
		StorageClass: s3types.StorageClassIntelligentTiering,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to %s: %w", key, u.Bucket, err)
	}
	return nil
}
