package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/medchain-labs/custodia/pkg/errdefs"
)

func testFileLedger(t *testing.T) *FileLedger {
	t.Helper()
	l, err := OpenFileLedger(t.TempDir(), "test-channel", time.Second)
	if err != nil {
		t.Fatalf("OpenFileLedger() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func createTestRecord(t *testing.T, l *FileLedger, recordID string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{
		"record_id":    recordID,
		"patient_id":   "p1",
		"creator_id":   "d1",
		"ipfs_cid":     "QmTest",
		"content_hash": "abc123",
	})
	txID, err := l.Submit(context.Background(), "CreateMedicalRecord", string(payload))
	if err != nil {
		t.Fatalf("Submit(CreateMedicalRecord) error = %v", err)
	}
	return txID
}

func TestFileLedgerCreateAndRead(t *testing.T) {
	l := testFileLedger(t)
	ctx := context.Background()
	txID := createTestRecord(t, l, "r1")
	if txID == "" {
		t.Fatal("Submit() returned empty tx id")
	}

	for _, fn := range []string{"ReadRecord", "GetRecord"} {
		data, err := l.Evaluate(ctx, fn, "r1")
		if err != nil {
			t.Fatalf("Evaluate(%s) error = %v", fn, err)
		}
		var rec LedgerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			t.Fatalf("unmarshal %s: %v", fn, err)
		}
		if rec.RecordID != "r1" || rec.PatientID != "p1" || rec.TxID != txID {
			t.Errorf("Evaluate(%s) = %+v", fn, rec)
		}
	}
}

func TestFileLedgerDuplicateRecord(t *testing.T) {
	l := testFileLedger(t)
	createTestRecord(t, l, "r1")

	payload, _ := json.Marshal(map[string]string{
		"record_id": "r1", "patient_id": "p1", "creator_id": "d1",
	})
	if _, err := l.Submit(context.Background(), "CreateMedicalRecord", string(payload)); !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("duplicate Submit() error = %v, want conflict", err)
	}
}

func TestFileLedgerCreateRecordAlias(t *testing.T) {
	l := testFileLedger(t)
	payload, _ := json.Marshal(map[string]string{
		"record_id": "r1", "patient_id": "p1", "creator_id": "d1",
	})
	if _, err := l.Submit(context.Background(), "CreateRecord", string(payload)); err != nil {
		t.Fatalf("Submit(CreateRecord) error = %v", err)
	}
	if _, err := l.Evaluate(context.Background(), "ReadRecord", "r1"); err != nil {
		t.Errorf("Evaluate(ReadRecord) error = %v", err)
	}
}

func TestFileLedgerCheckAccess(t *testing.T) {
	l := testFileLedger(t)
	ctx := context.Background()
	createTestRecord(t, l, "r1")

	allowed := func(userID string) bool {
		t.Helper()
		data, err := l.Evaluate(ctx, "CheckAccess", "r1", userID)
		if err != nil {
			t.Fatalf("Evaluate(CheckAccess) error = %v", err)
		}
		var out bool
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	if !allowed("d1") {
		t.Error("creator denied")
	}
	if !allowed("p1") {
		t.Error("patient denied")
	}
	if allowed("d2") {
		t.Error("stranger allowed before grant")
	}

	if _, err := l.Submit(ctx, "GrantAccess", "r1", "d2", "READ"); err != nil {
		t.Fatalf("Submit(GrantAccess) error = %v", err)
	}
	if !allowed("d2") {
		t.Error("grantee denied after grant")
	}

	if _, err := l.Submit(ctx, "RevokeAccess", "r1", "d2"); err != nil {
		t.Fatalf("Submit(RevokeAccess) error = %v", err)
	}
	if allowed("d2") {
		t.Error("grantee still allowed after revoke")
	}
}

func TestFileLedgerExpiredGrant(t *testing.T) {
	l := testFileLedger(t)
	ctx := context.Background()
	createTestRecord(t, l, "r1")

	expires := time.Now().Add(20 * time.Millisecond).Format(time.RFC3339)
	if _, err := l.Submit(ctx, "GrantAccess", "r1", "d2", "READ", expires); err != nil {
		t.Fatalf("Submit(GrantAccess) error = %v", err)
	}
	time.Sleep(1100 * time.Millisecond) // past expiry and past the evaluate cache TTL

	data, err := l.Evaluate(ctx, "CheckAccess", "r1", "d2")
	if err != nil {
		t.Fatalf("Evaluate(CheckAccess) error = %v", err)
	}
	var allowed bool
	json.Unmarshal(data, &allowed)
	if allowed {
		t.Error("expired grant still allows access")
	}
}

func TestFileLedgerValidateRecordIntegrity(t *testing.T) {
	l := testFileLedger(t)
	ctx := context.Background()
	createTestRecord(t, l, "r1")

	check := func(args ...string) bool {
		t.Helper()
		data, err := l.Evaluate(ctx, "ValidateRecordIntegrity", args...)
		if err != nil {
			t.Fatalf("Evaluate(ValidateRecordIntegrity) error = %v", err)
		}
		var valid bool
		json.Unmarshal(data, &valid)
		return valid
	}

	if !check("r1", "abc123") {
		t.Error("honest hash rejected")
	}
	if check("r1", "tampered") {
		t.Error("wrong hash accepted")
	}
	if !check("r1") {
		t.Error("complete commitment rejected by the one-arg form")
	}
}

func TestFileLedgerVerifyRecordAlias(t *testing.T) {
	l := testFileLedger(t)
	createTestRecord(t, l, "r1")

	data, err := l.Evaluate(context.Background(), "VerifyRecord", "r1")
	if err != nil {
		t.Fatalf("Evaluate(VerifyRecord) error = %v", err)
	}
	var valid bool
	json.Unmarshal(data, &valid)
	if !valid {
		t.Error("VerifyRecord rejected a complete record")
	}
}

func TestFileLedgerListRecords(t *testing.T) {
	l := testFileLedger(t)
	createTestRecord(t, l, "r1")
	createTestRecord(t, l, "r2")

	for _, fn := range []string{"ListRecords", "GetAllRecords"} {
		data, err := l.Evaluate(context.Background(), fn)
		if err != nil {
			t.Fatalf("Evaluate(%s) error = %v", fn, err)
		}
		var recs []LedgerRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("Evaluate(%s) returned %d records, want 2", fn, len(recs))
		}
	}
}

func TestFileLedgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l1, err := OpenFileLedger(dir, "test-channel", time.Second)
	if err != nil {
		t.Fatalf("OpenFileLedger() error = %v", err)
	}
	createTestRecord(t, l1, "r1")
	if _, err := l1.Submit(context.Background(), "GrantAccess", "r1", "d2", "READ"); err != nil {
		t.Fatalf("Submit(GrantAccess) error = %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	l2, err := OpenFileLedger(dir, "test-channel", time.Second)
	if err != nil {
		t.Fatalf("OpenFileLedger() reopen error = %v", err)
	}
	defer l2.Close()

	data, err := l2.Evaluate(context.Background(), "CheckAccess", "r1", "d2")
	if err != nil {
		t.Fatalf("Evaluate(CheckAccess) after reopen error = %v", err)
	}
	var allowed bool
	json.Unmarshal(data, &allowed)
	if !allowed {
		t.Error("grant lost across reopen")
	}
}

func TestFileLedgerEmitsEvents(t *testing.T) {
	l := testFileLedger(t)
	ctx := context.Background()

	var events []Event
	l.Subscribe("", func(ctx context.Context, ev Event) {
		events = append(events, ev)
	})

	createTestRecord(t, l, "r1")
	if _, err := l.Submit(ctx, "GrantAccess", "r1", "d2", "READ"); err != nil {
		t.Fatalf("Submit(GrantAccess) error = %v", err)
	}
	if _, err := l.Submit(ctx, "RevokeAccess", "r1", "d2"); err != nil {
		t.Fatalf("Submit(RevokeAccess) error = %v", err)
	}

	want := []string{EventRecordCreated, EventAccessGranted, EventAccessRevoked}
	if len(events) != len(want) {
		t.Fatalf("received %d events, want %d", len(events), len(want))
	}
	for i, name := range want {
		if events[i].Name != name {
			t.Errorf("event %d = %s, want %s", i, events[i].Name, name)
		}
		if events[i].RecordID != "r1" {
			t.Errorf("event %d record id = %q", i, events[i].RecordID)
		}
	}
	if events[1].GranteeID != "d2" || events[1].Action != "READ" {
		t.Errorf("AccessGranted event = %+v", events[1])
	}
}

func TestFileLedgerUnknownFunctions(t *testing.T) {
	l := testFileLedger(t)
	ctx := context.Background()

	if _, err := l.Submit(ctx, "MintTokens", "x"); !errors.Is(err, ErrChaincodeError) {
		t.Errorf("Submit(unknown) error = %v, want ErrChaincodeError", err)
	}
	if _, err := l.Evaluate(ctx, "WhoAmI"); !errors.Is(err, ErrChaincodeError) {
		t.Errorf("Evaluate(unknown) error = %v, want ErrChaincodeError", err)
	}
}

func TestFileLedgerClosedRefusesCalls(t *testing.T) {
	l, err := OpenFileLedger(t.TempDir(), "test-channel", time.Second)
	if err != nil {
		t.Fatalf("OpenFileLedger() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := l.Submit(context.Background(), "CreateMedicalRecord", "{}"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Submit() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestFileLedgerGetContractInfo(t *testing.T) {
	l := testFileLedger(t)
	data, err := l.Evaluate(context.Background(), "GetContractInfo")
	if err != nil {
		t.Fatalf("Evaluate(GetContractInfo) error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info["name"] != "medrecords" || info["channel"] != "test-channel" {
		t.Errorf("GetContractInfo = %v", info)
	}
}
