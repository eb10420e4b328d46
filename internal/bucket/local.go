package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const quotaFile = ".bucket.json"

// LocalProvisioner stores each bucket as a directory under root
type LocalProvisioner struct {
	root string
}

// NewLocalProvisioner creates a directory-backed provisioner
func NewLocalProvisioner(root string) (*LocalProvisioner, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create bucket root: %w", err)
	}
	return &LocalProvisioner{root: root}, nil
}

type bucketMeta struct {
	Name       string    `json:"name"`
	QuotaBytes int64     `json:"quotaBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CreateBucket creates the bucket directory and records its quota
func (p *LocalProvisioner) CreateBucket(ctx context.Context, name string, quotaBytes int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("invalid bucket name %q", name)
	}

	dir := filepath.Join(p.root, name)
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrBucketExists
		}
		return fmt.Errorf("create bucket %s: %w", name, err)
	}

	meta, err := json.Marshal(bucketMeta{Name: name, QuotaBytes: quotaBytes, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, quotaFile), meta, 0o640); err != nil {
		return fmt.Errorf("write bucket metadata %s: %w", name, err)
	}

	log.Info().Str("bucket", name).Str("dir", dir).Msg("Created local bucket")
	return nil
}
