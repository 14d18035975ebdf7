package metastore

import (
	"context"
	"fmt"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/types"
)

// Failure kinds surfaced by this package
var (
	ErrRecordNotFound     = fmt.Errorf("record not found: %w", errdefs.ErrNotFound)
	ErrDuplicateRecord    = fmt.Errorf("record already exists: %w", errdefs.ErrConflict)
	ErrPermissionNotFound = fmt.Errorf("permission not found: %w", errdefs.ErrNotFound)
)

// Store persists the relational view of custody state: record headers,
// version chains, object metadata, the denormalized permission copy,
// and the audit log. Postgres backs production; Memory backs dev mode
// and the tests.
type Store interface {
	// CommitRecord writes the record header, its first version entry,
	// its object metadata, and the CID mapping in one transaction.
	CommitRecord(ctx context.Context, rec *types.Record, ver *types.VersionEntry, meta *types.ObjectMetadata) error

	// CommitVersion appends a version entry and updates the record
	// header and object metadata in one transaction.
	CommitVersion(ctx context.Context, rec *types.Record, ver *types.VersionEntry, meta *types.ObjectMetadata) error

	GetRecord(ctx context.Context, recordID string) (*types.Record, error)
	ListRecordsByPatient(ctx context.Context, patientID string) ([]*types.Record, error)
	UpdateRecordStatus(ctx context.Context, recordID string, status types.RecordStatus) error

	ListVersions(ctx context.Context, recordID string) ([]*types.VersionEntry, error)
	GetObjectMetadata(ctx context.Context, primaryCID string) (*types.ObjectMetadata, error)
	RecordIDForCID(ctx context.Context, cid string) (string, error)

	// UpsertPermission is idempotent on (record_id, grantee_id, action)
	UpsertPermission(ctx context.Context, perm *types.Permission) error
	// DeactivatePermissions flips every grant for the grantee on the record
	DeactivatePermissions(ctx context.Context, recordID, granteeID string) error
	ListPermissions(ctx context.Context, recordID string) ([]*types.Permission, error)

	PutDataKey(ctx context.Context, key *types.DataKey) error
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error

	Close() error
}
