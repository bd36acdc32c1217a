package archive

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
)

// S3Client is the slice of the S3 API the uploader needs.
type S3Client interface {
	manager.UploadAPIClient
}

// sink stores one archived batch under a key.
type sink interface {
	Put(ctx context.Context, key string, body io.Reader) error
}

type localSink struct {
	Dir string
}

func (c *localSink) Put(ctx context.Context, key string, body io.Reader) error {
	path := filepath.Join(c.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "ensure archive dir exists")
	}
	fdst, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "opening destination file")
	}
	defer fdst.Close()
	_, err = io.Copy(fdst, body)
	if err != nil {
		return errors.Wrap(err, "copying archive")
	}
	return nil
}

// sendToS3Func sends the specified content to an s3 bucket
type sendToS3Func func(ctx context.Context, key string, bucket string, body io.Reader) error

type s3Sink struct {
	Bucket       string
	Prefix       string
	sendToS3Func sendToS3Func
	s3Client     S3Client
}

func (c *s3Sink) Put(ctx context.Context, key string, body io.Reader) error {
	if c.Prefix != "" {
		key = strings.TrimSuffix(c.Prefix, "/") + "/" + key
	}
	if err := c.sendToS3(ctx, key, c.Bucket, body); err != nil {
		return errors.Wrap(err, "send to s3")
	}
	return nil
}

func (c *s3Sink) sendToS3(ctx context.Context, key string, bucket string, body io.Reader) error {
	if c.sendToS3Func != nil {
		return c.sendToS3Func(ctx, key, bucket, body)
	}
	client, err := c.getS3Client()
	if err != nil {
		return err
	}
	var partMiBs int64 = 16
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partMiBs * 1024 * 1024
	})
	output, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   body,
	})
	if err == nil {
		events.Debug("Wrote archive to S3 location: %s", output.Location)
	}
	return errors.Wrap(err, "upload with context")
}

func (c *s3Sink) getS3Client() (S3Client, error) {
	if c.s3Client != nil {
		return c.s3Client, nil
	}
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(cfg), nil
}

func sinkFromURL(URL string) (sink, error) {
	parsed, err := url.Parse(URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing url")
	}
	switch parsed.Scheme {
	case "s3":
		events.Log("Using s3 destination for extract archives bucket=%v", parsed.Host)
		return &s3Sink{Bucket: parsed.Host, Prefix: strings.TrimPrefix(parsed.Path, "/")}, nil
	case "file":
		events.Log("Using local FS destination for extract archives dir=%v", parsed.Path)
		return &localSink{Dir: parsed.Path}, nil
	default:
		return nil, errors.Errorf("Unknown scheme %s", parsed.Scheme)
	}
}
