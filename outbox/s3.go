package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"murmur/log"
)

const uploadTimeout = 5 * time.Minute

type S3Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// S3Uploader puts recordings into an S3-compatible bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Uploader(cfg S3Config) *S3Uploader {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
			// S3-compatible stores reject the default streaming checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Uploader{
		client: s3.New(s3.Options{}, options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}
}

// Key is the object key for a local recording.
func (u *S3Uploader) Key(localPath string) string {
	return path.Join(u.prefix, "voice", filepath.Base(localPath))
}

// Upload returns an s3:// location for the stored object.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Warnf("close %s after upload: %v", localPath, err)
		}
	}()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat recording: %w", err)
	}

	key := u.Key(localPath)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("audio/flac"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	log.Infof("uploaded %s to s3://%s/%s", filepath.Base(localPath), u.bucket, key)
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

func (u *S3Uploader) Bucket() string { return u.bucket }

// Check verifies the bucket exists and the credentials may access it.
func (u *S3Uploader) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeoutCause(ctx, 30*time.Second, errors.New("s3 check timeout"))
	defer cancel()
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", u.bucket, err)
	}
	return nil
}
