package transcript

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"
)

// Publisher stores one transcript object under key and returns where it can
// be fetched.
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte, contentType string, immutable bool) (string, error)
}

// S3Publisher uploads transcript objects to an S3 bucket.
type S3Publisher struct {
	upr    s3manageriface.UploaderAPI
	bucket string
	prefix string
}

// NewS3Publisher checks the AWS credentials and returns a publisher
// uploading under prefix in bucket.
func NewS3Publisher(region, bucket, prefix string) (*S3Publisher, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("checking credentials: %w", err)
	}
	return newS3Publisher(s3manager.NewUploader(sess), bucket, prefix), nil
}

func newS3Publisher(upr s3manageriface.UploaderAPI, bucket, prefix string) *S3Publisher {
	return &S3Publisher{upr: upr, bucket: bucket, prefix: prefix}
}

func (p *S3Publisher) Publish(ctx context.Context, key string, body []byte, contentType string, immutable bool) (string, error) {
	cache := "public, max-age=60"
	if immutable {
		cache = "public, max-age=604800, immutable"
	}
	r, err := p.upr.UploadWithContext(ctx, &s3manager.UploadInput{
		ACL:          aws.String("public-read"),
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(path.Join(p.prefix, key)),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(cache),
	})
	if err != nil {
		return "", err
	}
	return r.Location, nil
}

// DirPublisher writes transcript objects below a local directory.
type DirPublisher struct {
	dir string
}

// NewDirPublisher creates dir if needed.
func NewDirPublisher(dir string) (*DirPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export folder: %w", err)
	}
	return &DirPublisher{dir: dir}, nil
}

func (p *DirPublisher) Publish(_ context.Context, key string, body []byte, _ string, _ bool) (string, error) {
	file := filepath.Join(p.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return "", err
	}
	tmp := file + ".tmp"
	//nolint:gosec // the transcript is public
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, file); err != nil {
		return "", err
	}
	return file, nil
}
