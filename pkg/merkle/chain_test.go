package merkle

import (
	"strings"
	"testing"
	"time"

	"github.com/medchain-labs/custodia/pkg/types"
)

func buildChain(t *testing.T, n int) []*types.VersionEntry {
	t.Helper()
	base := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

	entries := make([]*types.VersionEntry, 0, n)
	previous := ""
	for i := 1; i <= n; i++ {
		entry, err := NewVersionEntry("rec-1", "Qm"+strings.Repeat("x", i), "d1", i, previous, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("NewVersionEntry(v%d) error = %v", i, err)
		}
		entries = append(entries, entry)
		previous = entry.Hash
	}
	return entries
}

func TestCanonicalSerializeKeyOrder(t *testing.T) {
	entry := &types.VersionEntry{
		Version:   1,
		CID:       "QmAbc",
		CreatorID: "d1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 60_000_000, time.UTC),
	}
	data, err := CanonicalSerialize(entry)
	if err != nil {
		t.Fatalf("CanonicalSerialize() error = %v", err)
	}
	want := `{"version":1,"cid":"QmAbc","timestamp":"2026-01-02T03:04:05.060Z","creator_id":"d1","previous_hash":""}`
	if string(data) != want {
		t.Errorf("CanonicalSerialize() = %s, want %s", data, want)
	}
}

func TestCanonicalSerializeNonUTCTimestamp(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	entry := &types.VersionEntry{
		Version:   2,
		CID:       "QmDef",
		CreatorID: "d2",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, loc),
	}
	data, err := CanonicalSerialize(entry)
	if err != nil {
		t.Fatalf("CanonicalSerialize() error = %v", err)
	}
	if !strings.Contains(string(data), `"timestamp":"2026-01-02T08:04:05.000Z"`) {
		t.Errorf("CanonicalSerialize() did not normalize to UTC: %s", data)
	}
}

func TestNewVersionEntryValidation(t *testing.T) {
	if _, err := NewVersionEntry("r", "cid", "d1", 0, "", time.Now()); err == nil {
		t.Error("NewVersionEntry(version=0) expected error")
	}
	if _, err := NewVersionEntry("r", "cid", "d1", 1, "deadbeef", time.Now()); err == nil {
		t.Error("NewVersionEntry(v1 with previous hash) expected error")
	}
}

func TestVerifyVersionChain(t *testing.T) {
	entries := buildChain(t, 3)
	if err := VerifyVersionChain(entries); err != nil {
		t.Errorf("VerifyVersionChain() error = %v, want nil", err)
	}
}

func TestVerifyVersionChainSingleEntry(t *testing.T) {
	entries := buildChain(t, 1)
	if err := VerifyVersionChain(entries); err != nil {
		t.Errorf("VerifyVersionChain() error = %v, want nil", err)
	}
}

func TestVerifyVersionChainCorruptPreviousHash(t *testing.T) {
	entries := buildChain(t, 2)
	entries[1].PreviousHash = strings.Repeat("0", 64)
	if err := VerifyVersionChain(entries); err == nil {
		t.Error("VerifyVersionChain() with corrupt previous hash expected error")
	}
}

func TestVerifyVersionChainCorruptStoredHash(t *testing.T) {
	entries := buildChain(t, 2)
	entries[0].Hash = strings.Repeat("0", 64)
	if err := VerifyVersionChain(entries); err == nil {
		t.Error("VerifyVersionChain() with corrupt stored hash expected error")
	}
}

func TestVerifyVersionChainTamperedField(t *testing.T) {
	entries := buildChain(t, 2)
	entries[1].CID = "QmEvil"
	if err := VerifyVersionChain(entries); err == nil {
		t.Error("VerifyVersionChain() with tampered CID expected error")
	}
}

func TestVerifyVersionChainEmpty(t *testing.T) {
	if err := VerifyVersionChain(nil); err == nil {
		t.Error("VerifyVersionChain(nil) expected error")
	}
}

func TestChainRoot(t *testing.T) {
	entries := buildChain(t, 2)
	root, err := ChainRoot(entries)
	if err != nil {
		t.Fatalf("ChainRoot() error = %v", err)
	}

	tree, err := BuildTree([]string{entries[0].Hash, entries[1].Hash})
	if err != nil {
		t.Fatalf("BuildTree() error = %v", err)
	}
	if root != tree.Root() {
		t.Errorf("ChainRoot() = %s, want %s", root, tree.Root())
	}
}

func TestChainRootSingleVersion(t *testing.T) {
	entries := buildChain(t, 1)
	root, err := ChainRoot(entries)
	if err != nil {
		t.Fatalf("ChainRoot() error = %v", err)
	}
	if want := HashItem(entries[0].Hash); root != want {
		t.Errorf("ChainRoot() = %s, want single-leaf root %s", root, want)
	}
}
