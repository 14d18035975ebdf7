package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medchain-labs/custodia/pkg/types"
)

// canonicalEntry fixes the serialized key order of a version entry.
// The byte layout must be identical across writers: key order as
// declared here, timestamp in ISO-8601 UTC with milliseconds.
type canonicalEntry struct {
	Version      int    `json:"version"`
	CID          string `json:"cid"`
	Timestamp    string `json:"timestamp"`
	CreatorID    string `json:"creator_id"`
	PreviousHash string `json:"previous_hash"`
}

// canonicalTimestamp is ISO-8601 with milliseconds, always UTC
const canonicalTimestamp = "2006-01-02T15:04:05.000Z"

// CanonicalSerialize renders the hashable form of a version entry
func CanonicalSerialize(entry *types.VersionEntry) ([]byte, error) {
	data, err := json.Marshal(canonicalEntry{
		Version:      entry.Version,
		CID:          entry.CID,
		Timestamp:    entry.Timestamp.UTC().Format(canonicalTimestamp),
		CreatorID:    entry.CreatorID,
		PreviousHash: entry.PreviousHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize version entry: %w", err)
	}
	return data, nil
}

// EntryHash computes the chain hash of a version entry from its
// canonical serialization.
func EntryHash(entry *types.VersionEntry) (string, error) {
	data, err := CanonicalSerialize(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewVersionEntry builds and hashes the next entry of a record's chain.
// previousHash is the hash of the preceding entry, empty for version 1.
func NewVersionEntry(recordID, cid, creatorID string, version int, previousHash string, at time.Time) (*types.VersionEntry, error) {
	if version < 1 {
		return nil, fmt.Errorf("version must be >= 1, got %d", version)
	}
	if version == 1 && previousHash != "" {
		return nil, fmt.Errorf("version 1 must have an empty previous hash")
	}
	entry := &types.VersionEntry{
		RecordID:     recordID,
		Version:      version,
		CID:          cid,
		CreatorID:    creatorID,
		Timestamp:    at.UTC().Truncate(time.Millisecond),
		PreviousHash: previousHash,
	}
	hash, err := EntryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = hash
	return entry, nil
}

// VerifyVersionChain recomputes every link of an ordered version chain.
// It succeeds iff each entry's stored hash matches its canonical
// recomputation with previous_hash taken from the preceding entry
// (empty for the first).
func VerifyVersionChain(entries []*types.VersionEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("version chain is empty")
	}

	previous := ""
	for i, entry := range entries {
		if entry.Version != i+1 {
			return fmt.Errorf("chain broken at index %d: expected version %d, got %d", i, i+1, entry.Version)
		}
		if entry.PreviousHash != previous {
			return fmt.Errorf("chain broken at version %d: previous hash mismatch", entry.Version)
		}
		recomputed, err := EntryHash(entry)
		if err != nil {
			return err
		}
		if recomputed != entry.Hash {
			return fmt.Errorf("chain broken at version %d: stored hash does not match recomputation", entry.Version)
		}
		previous = entry.Hash
	}
	return nil
}

// ChainRoot computes the Merkle root over the ordered entry hashes.
// This is the value committed as a record's merkle_root.
func ChainRoot(entries []*types.VersionEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("version chain is empty")
	}
	items := make([]string, len(entries))
	for i, entry := range entries {
		items[i] = entry.Hash
	}
	tree, err := BuildTree(items)
	if err != nil {
		return "", err
	}
	return tree.Root(), nil
}
