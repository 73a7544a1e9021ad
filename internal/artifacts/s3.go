package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"rubintv/services/backend/internal/models"
)

type S3Store struct {
	bucket string
	client *s3.Client
}

func NewS3Store(
	ctx context.Context,
	region, endpoint, accessKey, secretKey, bucket string,
) (*S3Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, ErrNotConfigured
	}

	loadOpts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(region),
	}
	if accessKey != "" || secretKey != "" {
		loadOpts = append(loadOpts,
			awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{bucket: bucket, client: client}, nil
}

func (s *S3Store) Bucket() string {
	return s.bucket
}

// ListObjects pages through every key under prefix. The ETag is the content hash.
func (s *S3Store) ListObjects(ctx context.Context, prefix string) ([]models.Object, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	objects := []models.Object{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects bucket=%s prefix=%s: %w", s.bucket, prefix, err)
		}
		for _, item := range page.Contents {
			objects = append(objects, models.Object{
				Key:  aws.ToString(item.Key),
				Hash: strings.Trim(aws.ToString(item.ETag), `"`),
			})
		}
	}
	return objects, nil
}

func (s *S3Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object key=%s: %w", key, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object key=%s: %w", key, err)
	}
	return payload, nil
}

func (s *S3Store) Close() error {
	return nil
}
