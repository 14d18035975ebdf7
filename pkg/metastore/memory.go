package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medchain-labs/custodia/pkg/types"
)

// Memory is the in-process Store used by dev mode and the tests. It
// mirrors the Postgres semantics, including the idempotent permission
// upsert and the duplicate-record conflict.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]types.Record
	versions    map[string][]types.VersionEntry
	objects     map[string]types.ObjectMetadata
	permissions map[string]types.Permission // record/grantee/action
	keys        map[string]types.DataKey
	audit       []types.AuditEntry
	cidMap      map[string]string
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]types.Record),
		versions:    make(map[string][]types.VersionEntry),
		objects:     make(map[string]types.ObjectMetadata),
		permissions: make(map[string]types.Permission),
		keys:        make(map[string]types.DataKey),
		cidMap:      make(map[string]string),
	}
}

func permKey(recordID, granteeID string, action types.Action) string {
	return recordID + "/" + granteeID + "/" + string(action)
}

func (m *Memory) CommitRecord(ctx context.Context, rec *types.Record, ver *types.VersionEntry, meta *types.ObjectMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("%s: %w", rec.ID, ErrDuplicateRecord)
	}
	m.records[rec.ID] = *rec
	m.versions[rec.ID] = append(m.versions[rec.ID], *ver)
	m.objects[rec.PrimaryCID] = *meta
	m.cidMap[rec.PrimaryCID] = rec.ID
	return nil
}

func (m *Memory) CommitVersion(ctx context.Context, rec *types.Record, ver *types.VersionEntry, meta *types.ObjectMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; !exists {
		return fmt.Errorf("%s: %w", rec.ID, ErrRecordNotFound)
	}
	m.records[rec.ID] = *rec
	m.versions[rec.ID] = append(m.versions[rec.ID], *ver)
	m.objects[rec.PrimaryCID] = *meta
	m.cidMap[rec.PrimaryCID] = rec.ID
	return nil
}

func (m *Memory) GetRecord(ctx context.Context, recordID string) (*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", recordID, ErrRecordNotFound)
	}
	return &rec, nil
}

func (m *Memory) ListRecordsByPatient(ctx context.Context, patientID string) ([]*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Record
	for _, rec := range m.records {
		if rec.PatientID == patientID {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateRecordStatus(ctx context.Context, recordID string, status types.RecordStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return fmt.Errorf("%s: %w", recordID, ErrRecordNotFound)
	}
	rec.Status = status
	m.records[recordID] = rec
	return nil
}

func (m *Memory) ListVersions(ctx context.Context, recordID string) ([]*types.VersionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.versions[recordID]
	out := make([]*types.VersionEntry, len(chain))
	for i := range chain {
		v := chain[i]
		out[i] = &v
	}
	return out, nil
}

func (m *Memory) GetObjectMetadata(ctx context.Context, primaryCID string) (*types.ObjectMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.objects[primaryCID]
	if !ok {
		return nil, fmt.Errorf("object metadata %s: %w", primaryCID, ErrRecordNotFound)
	}
	return &meta, nil
}

func (m *Memory) RecordIDForCID(ctx context.Context, cid string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recordID, ok := m.cidMap[cid]
	if !ok {
		return "", fmt.Errorf("cid %s: %w", cid, ErrRecordNotFound)
	}
	return recordID, nil
}

func (m *Memory) UpsertPermission(ctx context.Context, perm *types.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissions[permKey(perm.RecordID, perm.GranteeID, perm.Action)] = *perm
	return nil
}

func (m *Memory) DeactivatePermissions(ctx context.Context, recordID, granteeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, perm := range m.permissions {
		if perm.RecordID == recordID && perm.GranteeID == granteeID {
			perm.IsActive = false
			m.permissions[key] = perm
		}
	}
	return nil
}

func (m *Memory) ListPermissions(ctx context.Context, recordID string) ([]*types.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Permission
	for _, perm := range m.permissions {
		if perm.RecordID == recordID {
			p := perm
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GranteeID != out[j].GranteeID {
			return out[i].GranteeID < out[j].GranteeID
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

func (m *Memory) PutDataKey(ctx context.Context, key *types.DataKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.KeyID] = *key
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *entry)
	return nil
}

// AuditEntries returns a copy of the audit log, oldest first
func (m *Memory) AuditEntries() []types.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.AuditEntry{}, m.audit...)
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
