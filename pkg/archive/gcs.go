//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// GCSArchive publishes statements to a Google Cloud Storage bucket.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive uses Application Default Credentials.
func NewGCSArchive(ctx context.Context, cfg Config) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) Publish(ctx context.Context, st contracts.PayoutStatement) (Receipt, error) {
	key, err := objectKey(a.prefix, st.EpochID, st.StatementID)
	if err != nil {
		return Receipt{}, err
	}
	data, digest, err := Encode(st)
	if err != nil {
		return Receipt{}, err
	}
	rec := Receipt{Location: "gs://" + a.bucket + "/" + key, Digest: digest}

	obj := a.client.Bucket(a.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return rec, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return Receipt{}, fmt.Errorf("gcs attrs error: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"digest": digest}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Receipt{}, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return Receipt{}, fmt.Errorf("gcs close failed: %w", err)
	}
	return rec, nil
}

func (a *GCSArchive) Get(ctx context.Context, epochID, statementID string) (contracts.PayoutStatement, error) {
	key, err := objectKey(a.prefix, epochID, statementID)
	if err != nil {
		return contracts.PayoutStatement{}, err
	}
	reader, err := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return contracts.PayoutStatement{}, contracts.Errorf(contracts.ErrStatementNotFound, "statement %s not archived", statementID)
		}
		return contracts.PayoutStatement{}, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return contracts.PayoutStatement{}, fmt.Errorf("gcs read failed for %s: %w", key, err)
	}
	return decode(data)
}

// Close closes the GCS client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}
