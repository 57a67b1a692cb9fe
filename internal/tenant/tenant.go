// Package tenant enforces per-tenant isolation.
//
// Every stage handler calls Check before touching the store and CheckOwned on
// each entity it loads. A mismatch is a permanent error: the job is
// dead-lettered and nothing is written.
package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
)

var ErrTenantMismatch = errors.New("tenant mismatch")

// Owned is implemented by every tenant-scoped entity.
type Owned interface {
	OwnerTenant() uuid.UUID
}

// Check verifies that payload belongs to job's tenant.
func Check(job domain.Job, payload domain.Payload) error {
	if job.TenantID == uuid.Nil {
		return joberr.Permanent(fmt.Errorf("%w: job %s has no tenant", ErrTenantMismatch, job.ID))
	}
	if payload.Tenant() != job.TenantID {
		return joberr.Permanent(fmt.Errorf("%w: job tenant %s, payload tenant %s", ErrTenantMismatch, job.TenantID, payload.Tenant()))
	}
	return nil
}

// CheckOwned verifies that every entity belongs to job's tenant.
func CheckOwned(job domain.Job, entities ...Owned) error {
	for _, e := range entities {
		if e.OwnerTenant() != job.TenantID {
			return joberr.Permanent(fmt.Errorf("%w: job tenant %s, entity tenant %s", ErrTenantMismatch, job.TenantID, e.OwnerTenant()))
		}
	}
	return nil
}

const keyRoot = "tenants"

// StorageKey builds an object key under the tenant's prefix.
func StorageKey(tenantID uuid.UUID, parts ...string) string {
	return keyRoot + "/" + tenantID.String() + "/" + strings.Join(parts, "/")
}

// CheckStorageKey verifies that ref points inside tenantID's prefix. ref may be
// a bare key or a URI such as gs://bucket/key.
func CheckStorageKey(job domain.Job, ref string) error {
	key := ref
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
		// drop the bucket or host
		if j := strings.IndexByte(key, '/'); j >= 0 {
			key = key[j+1:]
		} else {
			key = ""
		}
	}
	prefix := keyRoot + "/" + job.TenantID.String() + "/"
	if !strings.HasPrefix(key, prefix) || strings.Contains(key, "..") {
		return joberr.Permanent(fmt.Errorf("%w: source %q is outside tenant %s", ErrTenantMismatch, ref, job.TenantID))
	}
	return nil
}

// QueueName is the per-tenant transport queue for a purpose such as "notifications".
func QueueName(tenantID uuid.UUID, purpose string) string {
	return fmt.Sprintf("tenant_%s_%s", tenantID, purpose)
}
