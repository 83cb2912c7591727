// Package telemetry stores large per-tick event payloads in the object
// store, keeping only a pointer in the trace row. Payloads are JSON
// compressed with zstd.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"

	"github.com/populus-labs/populus-go/internal/domain"
)

const contentType = "application/zstd"

type Store struct {
	client  *minio.Client
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewStore(client *minio.Client, bucket string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Store{client: client, bucket: bucket, encoder: encoder, decoder: decoder}, nil
}

// PutTickEvents writes one tick's event payload and returns the pointer to
// embed in the trace row. Keys are zero-padded so object listings sort in
// tick order.
func (s *Store) PutTickEvents(ctx context.Context, tenantID, runID string, tick int, payload any) (domain.BlobPointer, error) {
	if s == nil || s.client == nil {
		return domain.BlobPointer{}, fmt.Errorf("telemetry store not initialized")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.BlobPointer{}, fmt.Errorf("encode payload: %w", err)
	}
	compressed := s.encoder.EncodeAll(raw, nil)
	key := fmt.Sprintf("%s/runs/%s/ticks/%08d.json.zst", strings.TrimSpace(tenantID), strings.TrimSpace(runID), tick)

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return domain.BlobPointer{}, fmt.Errorf("put tick events: %w", err)
	}
	return domain.BlobPointer{Bucket: s.bucket, Key: key, ETag: info.ETag}, nil
}

// Get fetches and decompresses the payload behind a blob pointer, returning
// the raw JSON document.
func (s *Store) Get(ctx context.Context, pointer domain.BlobPointer) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("telemetry store not initialized")
	}
	if strings.TrimSpace(pointer.Key) == "" {
		return nil, fmt.Errorf("blob key is required")
	}
	bucket := pointer.Bucket
	if bucket == "" {
		bucket = s.bucket
	}
	object, err := s.client.GetObject(ctx, bucket, pointer.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	defer object.Close()

	compressed, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return raw, nil
}
