package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// S3API is the subset of *s3.Client used by S3Archive.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archive publishes statements to an S3 bucket.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Archive(ctx context.Context, cfg Config) (*S3Archive, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return NewS3ArchiveWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3ArchiveWithClient(client S3API, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archive) Publish(ctx context.Context, st contracts.PayoutStatement) (Receipt, error) {
	key, err := objectKey(a.prefix, st.EpochID, st.StatementID)
	if err != nil {
		return Receipt{}, err
	}
	data, digest, err := Encode(st)
	if err != nil {
		return Receipt{}, err
	}
	rec := Receipt{Location: "s3://" + a.bucket + "/" + key, Digest: digest}

	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return rec, nil
	}
	var notFound *s3types.NotFound
	if !errors.As(err, &notFound) {
		return Receipt{}, fmt.Errorf("s3 head failed for %s: %w", key, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"digest": digest},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("s3 put failed: %w", err)
	}
	return rec, nil
}

func (a *S3Archive) Get(ctx context.Context, epochID, statementID string) (contracts.PayoutStatement, error) {
	key, err := objectKey(a.prefix, epochID, statementID)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	res, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return contracts.PayoutStatement{}, contracts.Errorf(contracts.ErrStatementNotFound, "statement %s not archived", statementID)
		}
		return contracts.PayoutStatement{}, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = res.Body.Close() }()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return contracts.PayoutStatement{}, fmt.Errorf("s3 read failed for %s: %w", key, err)
	}
	return decode(data)
}
