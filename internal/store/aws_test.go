package store

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader_Upload(t *testing.T) {
	client := &fakeS3{}
	u := &S3Uploader{Client: client, Bucket: "images", Prefix: "generated/"}

	err := u.Upload(context.Background(), UploadParams{
		Name:        "abc.png",
		Data:        []byte("png"),
		ContentType: "image/png",
		Metadata:    map[string]string{"model": "org/a"},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if aws.ToString(client.in.Bucket) != "images" {
		t.Errorf("Bucket = %q", aws.ToString(client.in.Bucket))
	}
	if aws.ToString(client.in.Key) != "generated/abc.png" {
		t.Errorf("Key = %q", aws.ToString(client.in.Key))
	}
	if aws.ToString(client.in.ContentType) != "image/png" {
		t.Errorf("ContentType = %q", aws.ToString(client.in.ContentType))
	}
	if client.in.StorageClass != s3types.StorageClassIntelligentTiering {
		t.Errorf("StorageClass = %q", client.in.StorageClass)
	}
	if string(client.body) != "png" || client.in.Metadata["model"] != "org/a" {
		t.Errorf("body = %q, metadata = %v", client.body, client.in.Metadata)
	}
}

func TestS3Uploader_Error(t *testing.T) {
	boom := errors.New("slow down")
	u := &S3Uploader{Client: &fakeS3{err: boom}, Bucket: "images"}
	if err := u.Upload(context.Background(), UploadParams{Name: "x.png"}); !errors.Is(err, boom) {
		t.Errorf("Upload() error = %v, want %v", err, boom)
	}
}

func TestDiscard(t *testing.T) {
	if err := (Discard{}).Upload(context.Background(), UploadParams{Name: "x.png"}); err != nil {
		t.Errorf("Upload() error = %v", err)
	}
}
