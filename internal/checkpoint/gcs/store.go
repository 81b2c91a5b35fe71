// Package gcs implements a checkpoint store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Object string
}

// Store keeps the current checkpoint as a single object in a bucket, so a
// replacement host can recover a fleet after total machine loss.
type Store struct {
	client *storage.Client
	bucket string
	object string
}

// New creates a GCS-backed checkpoint store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	object := strings.Trim(cfg.Object, "/")
	if object == "" {
		object = "orchestrator/checkpoint.json"
	}
	return &Store{client: client, bucket: cfg.Bucket, object: object}, nil
}

// Save overwrites the checkpoint object.
func (s *Store) Save(ctx context.Context, cp scheduler.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write checkpoint object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write checkpoint object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close checkpoint writer: %w", err)
	}
	return nil
}

// Load reads the checkpoint object, mapping a missing object to
// scheduler.ErrNoCheckpoint.
func (s *Store) Load(ctx context.Context) (scheduler.Checkpoint, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return scheduler.Checkpoint{}, scheduler.ErrNoCheckpoint
	}
	if err != nil {
		return scheduler.Checkpoint{}, fmt.Errorf("open checkpoint object: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return scheduler.Checkpoint{}, fmt.Errorf("read checkpoint object: %w", err)
	}
	var cp scheduler.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return scheduler.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != scheduler.CheckpointVersion {
		return scheduler.Checkpoint{}, fmt.Errorf(
			"unsupported checkpoint version %d (want %d)", cp.Version, scheduler.CheckpointVersion)
	}
	return cp, nil
}
