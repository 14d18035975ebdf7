package objectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/types"
)

const pinBucket = "pins"

// PinRecord is the locally persisted pin state for one CID. The
// cluster's own pin set is authoritative; this ledger lets the repair
// task find CIDs whose cluster pin drifted or was lost.
type PinRecord struct {
	CID            string         `json:"cid"`
	State          types.PinState `json:"state"`
	ReplicationMin int            `json:"replication_min"`
	ReplicationMax int            `json:"replication_max"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PinLedger is the bbolt-backed local pin state store
type PinLedger struct {
	db *bolt.DB
}

// OpenPinLedger opens (creating if needed) the pin ledger under dir
func OpenPinLedger(dir string) (*PinLedger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create pin ledger directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "pins.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open pin ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pinBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize pin ledger: %w", err)
	}
	return &PinLedger{db: db}, nil
}

// Close closes the underlying database
func (l *PinLedger) Close() error {
	return l.db.Close()
}

// Record upserts the pin state for a CID
func (l *PinLedger) Record(cid string, state types.PinState, min, max int) error {
	rec := PinRecord{
		CID:            cid,
		State:          state,
		ReplicationMin: min,
		ReplicationMax: max,
		UpdatedAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode pin record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pinBucket)).Put([]byte(cid), data)
	})
}

// Get returns the pin record for a CID
func (l *PinLedger) Get(cid string) (*PinRecord, error) {
	var rec *PinRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(pinBucket)).Get([]byte(cid))
		if data == nil {
			return fmt.Errorf("pin record %s: %w", cid, errdefs.ErrNotFound)
		}
		rec = &PinRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every pin record, in key order
func (l *PinLedger) List() ([]*PinRecord, error) {
	var out []*PinRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pinBucket)).ForEach(func(_, v []byte) error {
			rec := &PinRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Pinned returns the CIDs recorded as pinned, for repair sweeps
func (l *PinLedger) Pinned() ([]string, error) {
	recs, err := l.List()
	if err != nil {
		return nil, err
	}
	var cids []string
	for _, rec := range recs {
		if rec.State == types.PinStatePinned {
			cids = append(cids, rec.CID)
		}
	}
	return cids, nil
}
