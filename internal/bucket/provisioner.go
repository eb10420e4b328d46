// Package bucket provisions per-tenant object storage buckets.
package bucket

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrBucketExists is returned when the bucket is already provisioned
var ErrBucketExists = errors.New("bucket already exists")

// Provisioner creates storage buckets
type Provisioner interface {
	CreateBucket(ctx context.Context, name string, quotaBytes int64) error
}

// NameForTenant returns the bucket name used for a tenant
func NameForTenant(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant-%s", tenantID)
}
