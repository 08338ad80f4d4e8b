package sources

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// S3API is the subset of *s3.Client used by S3Source.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3SourceConfig holds configuration for S3Source.
type S3SourceConfig struct {
	Name     string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
}

// S3Source reads NDJSON record objects under a bucket prefix, in key order.
type S3Source struct {
	name    string
	client  S3API
	bucket  string
	prefix  string
	decoder *Decoder
}

// NewS3Source creates a source backed by the default AWS credential chain.
func NewS3Source(ctx context.Context, cfg S3SourceConfig, decoder *Decoder) (*S3Source, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SourceWithClient(cfg.Name, client, cfg.Bucket, cfg.Prefix, decoder), nil
}

func NewS3SourceWithClient(name string, client S3API, bucket, prefix string, decoder *Decoder) *S3Source {
	return &S3Source{name: name, client: client, bucket: bucket, prefix: prefix, decoder: decoder}
}

func (s *S3Source) Name() string { return s.name }

func (s *S3Source) Fetch(ctx context.Context, w Window) ([]contracts.ActivityEvent, error) {
	var out []contracts.ActivityEvent
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s/%s failed: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !isRecordFile(key) {
				continue
			}
			events, err := s.readObject(ctx, key, w)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
	}
	return out, nil
}

func (s *S3Source) readObject(ctx context.Context, key string, w Window) ([]contracts.ActivityEvent, error) {
	res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = res.Body.Close() }()
	events, err := s.decoder.Decode(res.Body, s.name, w)
	if err != nil {
		return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, err)
	}
	return events, nil
}
