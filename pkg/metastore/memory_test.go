package metastore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/medchain-labs/custodia/pkg/types"
)

func sampleCommit(recordID, patientID string) (*types.Record, *types.VersionEntry, *types.ObjectMetadata) {
	now := time.Now().UTC()
	rec := &types.Record{
		ID: recordID, PatientID: patientID, CreatorID: "d1",
		Title: "X-Ray", FileType: types.FileTypeImage,
		ContentHash: "hash-" + recordID, PrimaryCID: "Qm-" + recordID,
		DataKeyID: "k1", VersionNumber: 1, MerkleRoot: "root",
		Status: types.RecordStatusActive, LedgerTxID: "tx1",
		CreatedAt: now, UpdatedAt: now,
	}
	ver := &types.VersionEntry{
		RecordID: recordID, Version: 1, CID: rec.PrimaryCID,
		Hash: "vhash", CreatorID: "d1", Timestamp: now,
	}
	meta := &types.ObjectMetadata{
		FileName: "scan.png", FileSize: 4, MimeType: "image/png",
		ContentHash: rec.ContentHash, ChunkCount: 1,
		ChunkCIDs: []string{"Qm-chunk"}, IV: "aXY=", AuthTag: "dGFn",
		EncryptionAlgorithm: "AES-256-GCM", KeyID: "k1",
		CreatedAt: now, PinState: types.PinStatePinned, ReplicationCount: 3,
	}
	return rec, ver, meta
}

func TestCommitAndGetRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec, ver, meta := sampleCommit("r1", "p1")

	if err := m.CommitRecord(ctx, rec, ver, meta); err != nil {
		t.Fatalf("CommitRecord() error = %v", err)
	}

	got, err := m.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.PatientID != "p1" || got.PrimaryCID != "Qm-r1" || got.VersionNumber != 1 {
		t.Errorf("GetRecord() = %+v", got)
	}

	gotMeta, err := m.GetObjectMetadata(ctx, "Qm-r1")
	if err != nil {
		t.Fatalf("GetObjectMetadata() error = %v", err)
	}
	if gotMeta.ChunkCount != 1 || gotMeta.ChunkCIDs[0] != "Qm-chunk" {
		t.Errorf("GetObjectMetadata() = %+v", gotMeta)
	}

	recordID, err := m.RecordIDForCID(ctx, "Qm-r1")
	if err != nil {
		t.Fatalf("RecordIDForCID() error = %v", err)
	}
	if recordID != "r1" {
		t.Errorf("RecordIDForCID() = %q, want r1", recordID)
	}
}

func TestCommitDuplicateRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec, ver, meta := sampleCommit("r1", "p1")

	if err := m.CommitRecord(ctx, rec, ver, meta); err != nil {
		t.Fatalf("CommitRecord() error = %v", err)
	}
	if err := m.CommitRecord(ctx, rec, ver, meta); !errors.Is(err, ErrDuplicateRecord) {
		t.Errorf("duplicate CommitRecord() error = %v, want ErrDuplicateRecord", err)
	}
}

func TestCommitVersionAppends(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec, ver, meta := sampleCommit("r1", "p1")
	if err := m.CommitRecord(ctx, rec, ver, meta); err != nil {
		t.Fatalf("CommitRecord() error = %v", err)
	}

	rec2 := *rec
	rec2.VersionNumber = 2
	rec2.PrimaryCID = "Qm-r1-v2"
	ver2 := &types.VersionEntry{RecordID: "r1", Version: 2, CID: "Qm-r1-v2", Hash: "vhash2", CreatorID: "d1", Timestamp: time.Now(), PreviousHash: "vhash"}
	if err := m.CommitVersion(ctx, &rec2, ver2, meta); err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}

	versions, err := m.ListVersions(ctx, "r1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[1].Version != 2 || versions[1].PreviousHash != "vhash" {
		t.Errorf("ListVersions() = %+v", versions)
	}

	got, _ := m.GetRecord(ctx, "r1")
	if got.VersionNumber != 2 || got.PrimaryCID != "Qm-r1-v2" {
		t.Errorf("record header after CommitVersion = %+v", got)
	}
}

func TestCommitVersionUnknownRecord(t *testing.T) {
	m := NewMemory()
	rec, ver, meta := sampleCommit("ghost", "p1")
	if err := m.CommitVersion(context.Background(), rec, ver, meta); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("CommitVersion() error = %v, want ErrRecordNotFound", err)
	}
}

func TestListRecordsByPatient(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		rec, ver, meta := sampleCommit(id, "p1")
		if err := m.CommitRecord(ctx, rec, ver, meta); err != nil {
			t.Fatalf("CommitRecord(%s) error = %v", id, err)
		}
	}
	other, ver, meta := sampleCommit("r3", "p2")
	if err := m.CommitRecord(ctx, other, ver, meta); err != nil {
		t.Fatalf("CommitRecord(r3) error = %v", err)
	}

	recs, err := m.ListRecordsByPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("ListRecordsByPatient() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("ListRecordsByPatient() returned %d records, want 2", len(recs))
	}
}

func TestUpdateRecordStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec, ver, meta := sampleCommit("r1", "p1")
	if err := m.CommitRecord(ctx, rec, ver, meta); err != nil {
		t.Fatalf("CommitRecord() error = %v", err)
	}

	if err := m.UpdateRecordStatus(ctx, "r1", types.RecordStatusArchived); err != nil {
		t.Fatalf("UpdateRecordStatus() error = %v", err)
	}
	got, _ := m.GetRecord(ctx, "r1")
	if got.Status != types.RecordStatusArchived {
		t.Errorf("status = %s, want ARCHIVED", got.Status)
	}

	if err := m.UpdateRecordStatus(ctx, "ghost", types.RecordStatusArchived); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("UpdateRecordStatus(ghost) error = %v, want ErrRecordNotFound", err)
	}
}

func TestUpsertPermissionIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	perm := &types.Permission{
		RecordID: "r1", GranteeID: "d2", Action: types.ActionRead,
		GrantedBy: "d1", GrantedAt: time.Now(), IsActive: true,
	}

	// Applying the same event twice yields the same row state as once
	if err := m.UpsertPermission(ctx, perm); err != nil {
		t.Fatalf("UpsertPermission() error = %v", err)
	}
	if err := m.UpsertPermission(ctx, perm); err != nil {
		t.Fatalf("UpsertPermission() second call error = %v", err)
	}

	perms, err := m.ListPermissions(ctx, "r1")
	if err != nil {
		t.Fatalf("ListPermissions() error = %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("ListPermissions() returned %d rows, want 1", len(perms))
	}
	if !perms[0].Effective(time.Now()) {
		t.Error("upserted permission not effective")
	}
}

func TestDeactivatePermissions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, action := range []types.Action{types.ActionRead, types.ActionWrite} {
		if err := m.UpsertPermission(ctx, &types.Permission{
			RecordID: "r1", GranteeID: "d2", Action: action,
			GrantedAt: time.Now(), IsActive: true,
		}); err != nil {
			t.Fatalf("UpsertPermission() error = %v", err)
		}
	}
	if err := m.UpsertPermission(ctx, &types.Permission{
		RecordID: "r1", GranteeID: "d3", Action: types.ActionRead,
		GrantedAt: time.Now(), IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertPermission() error = %v", err)
	}

	if err := m.DeactivatePermissions(ctx, "r1", "d2"); err != nil {
		t.Fatalf("DeactivatePermissions() error = %v", err)
	}

	perms, _ := m.ListPermissions(ctx, "r1")
	for _, p := range perms {
		if p.GranteeID == "d2" && p.IsActive {
			t.Errorf("d2 %s grant still active after deactivation", p.Action)
		}
		if p.GranteeID == "d3" && !p.IsActive {
			t.Error("d3 grant deactivated collaterally")
		}
	}
}

func TestAppendAudit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	entries := []types.AuditEntry{
		{LogID: "a1", UserID: "d2", Action: "read", Resource: "record:r1", Timestamp: time.Now(), Severity: types.AuditSeverityHigh},
		{LogID: "a2", UserID: "d1", Action: "create", Resource: "record:r2", Timestamp: time.Now(), Severity: types.AuditSeverityInfo},
	}
	for i := range entries {
		if err := m.AppendAudit(ctx, &entries[i]); err != nil {
			t.Fatalf("AppendAudit() error = %v", err)
		}
	}

	got := m.AuditEntries()
	if len(got) != 2 || got[0].LogID != "a1" || got[1].LogID != "a2" {
		t.Errorf("AuditEntries() = %+v", got)
	}
}

func TestSchemaCoversRequiredTables(t *testing.T) {
	// The migration must create every table and index the layout names
	for _, want := range []string{
		"records", "record_versions", "object_metadata", "data_keys",
		"access_permissions", "audit_log", "cid_record_map",
		"idx_records_patient", "idx_records_creator",
		"idx_permissions_record_grantee", "idx_audit_timestamp",
		"idx_cid_map_record",
	} {
		if !strings.Contains(Schema, want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
