package bucket

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ObjectStoreManager is the JetStream subset used for buckets
type ObjectStoreManager interface {
	ObjectStore(bucket string) (nats.ObjectStore, error)
	CreateObjectStore(cfg *nats.ObjectStoreConfig) (nats.ObjectStore, error)
}

// NATSObjectStore provisions buckets as JetStream object stores
type NATSObjectStore struct {
	js       ObjectStoreManager
	replicas int
}

// NewNATSObjectStore creates a provisioner on a JetStream context
func NewNATSObjectStore(js ObjectStoreManager, replicas int) *NATSObjectStore {
	if replicas <= 0 {
		replicas = 1
	}
	return &NATSObjectStore{js: js, replicas: replicas}
}

// CreateBucket creates an object store named name capped at quotaBytes
func (p *NATSObjectStore) CreateBucket(ctx context.Context, name string, quotaBytes int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := p.js.ObjectStore(name); err == nil {
		return ErrBucketExists
	} else if !errors.Is(err, nats.ErrBucketNotFound) && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup bucket %s: %w", name, err)
	}

	cfg := &nats.ObjectStoreConfig{
		Bucket:      name,
		Description: "tenant document storage",
		Storage:     nats.FileStorage,
		Replicas:    p.replicas,
	}
	if quotaBytes > 0 {
		cfg.MaxBytes = quotaBytes
	}

	if _, err := p.js.CreateObjectStore(cfg); err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return ErrBucketExists
		}
		return fmt.Errorf("create bucket %s: %w", name, err)
	}

	log.Info().
		Str("bucket", name).
		Int64("quota_bytes", quotaBytes).
		Msg("Created object store bucket")

	return nil
}
