package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/log"
)

const contractVersion = "1.2.0"

// LedgerRecord is the on-ledger view of a medical record
type LedgerRecord struct {
	RecordID    string    `json:"record_id"`
	PatientID   string    `json:"patient_id"`
	CreatorID   string    `json:"creator_id"`
	IPFSCID     string    `json:"ipfs_cid"`
	ContentHash string    `json:"content_hash"`
	MerkleRoot  string    `json:"merkle_root,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	TxID        string    `json:"tx_id"`
}

// LedgerGrant is an on-ledger access grant
type LedgerGrant struct {
	RecordID  string     `json:"record_id"`
	GranteeID string     `json:"grantee_id"`
	Action    string     `json:"action"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

type fileLedgerState struct {
	Records map[string]*LedgerRecord            `json:"records"`
	Grants  map[string]map[string]*LedgerGrant  `json:"grants"` // record_id -> grantee_id+action -> grant
}

// FileLedger is a single-process ledger with the same chaincode surface
// the gateway fronts, persisted as one JSON file with write-tmp-rename
// atomicity. Dev mode and the tests run against it.
type FileLedger struct {
	path    string
	channel string
	cache   *evalCache
	logger  zerolog.Logger

	mu       sync.Mutex
	state    fileLedgerState
	handlers map[string][]Handler
	closed   bool
}

// OpenFileLedger opens (creating if needed) a file ledger under dir
func OpenFileLedger(dir, channel string, cacheTTL time.Duration) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	l := &FileLedger{
		path:    filepath.Join(dir, "ledger.json"),
		channel: channel,
		cache:   newEvalCache(cacheTTL),
		logger:  log.WithComponent("fileledger"),
		state: fileLedgerState{
			Records: make(map[string]*LedgerRecord),
			Grants:  make(map[string]map[string]*LedgerGrant),
		},
		handlers: make(map[string][]Handler),
	}
	if data, err := os.ReadFile(l.path); err == nil {
		if err := json.Unmarshal(data, &l.state); err != nil {
			return nil, fmt.Errorf("ledger file corrupt: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	return l, nil
}

// persist writes state atomically; callers hold the lock
func (l *FileLedger) persist() error {
	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger state: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write ledger state: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace ledger state: %w", err)
	}
	return nil
}

// Submit dispatches a transaction function
func (l *FileLedger) Submit(ctx context.Context, function string, args ...string) (string, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", ErrNotConnected
	}
	l.mu.Unlock()

	txID := uuid.NewString()
	var err error
	var emit *Event

	switch function {
	case "CreateMedicalRecord", "CreateRecord":
		emit, err = l.createRecord(txID, args)
	case "GrantAccess":
		emit, err = l.grantAccess(args)
	case "RevokeAccess":
		emit, err = l.revokeAccess(args)
	case "ArchiveRecord":
		err = l.archiveRecord(args)
	default:
		return "", fmt.Errorf("unknown transaction function %q: %w", function, ErrChaincodeError)
	}
	if err != nil {
		return "", err
	}

	if emit != nil {
		l.dispatch(*emit)
	}
	return txID, nil
}

func (l *FileLedger) createRecord(txID string, args []string) (*Event, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("CreateMedicalRecord wants 1 arg, got %d: %w", len(args), ErrChaincodeError)
	}
	var rec LedgerRecord
	if err := json.Unmarshal([]byte(args[0]), &rec); err != nil {
		return nil, fmt.Errorf("CreateMedicalRecord payload: %w: %w", err, ErrChaincodeError)
	}
	if rec.RecordID == "" || rec.PatientID == "" || rec.CreatorID == "" {
		return nil, fmt.Errorf("CreateMedicalRecord payload incomplete: %w", ErrChaincodeError)
	}
	rec.TxID = txID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.state.Records[rec.RecordID]; exists {
		return nil, fmt.Errorf("record %s already on ledger: %w", rec.RecordID, errdefs.ErrConflict)
	}
	l.state.Records[rec.RecordID] = &rec
	if err := l.persist(); err != nil {
		delete(l.state.Records, rec.RecordID)
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{
		"record_id":  rec.RecordID,
		"patient_id": rec.PatientID,
		"creator_id": rec.CreatorID,
		"ipfs_cid":   rec.IPFSCID,
	})
	ev := NormalizeEvent(EventRecordCreated, payload)
	return &ev, nil
}

func grantKey(granteeID, action string) string {
	return granteeID + "/" + action
}

func (l *FileLedger) grantAccess(args []string) (*Event, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("GrantAccess wants record_id, grantee_id, action: %w", ErrChaincodeError)
	}
	recordID, granteeID, action := args[0], args[1], args[2]

	var expiresAt *time.Time
	if len(args) > 3 && args[3] != "" {
		t, err := time.Parse(time.RFC3339, args[3])
		if err != nil {
			return nil, fmt.Errorf("GrantAccess expires_at: %w: %w", err, ErrChaincodeError)
		}
		expiresAt = &t
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.state.Records[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s not on ledger: %w", recordID, errdefs.ErrNotFound)
	}
	if l.state.Grants[recordID] == nil {
		l.state.Grants[recordID] = make(map[string]*LedgerGrant)
	}
	l.state.Grants[recordID][grantKey(granteeID, action)] = &LedgerGrant{
		RecordID:  recordID,
		GranteeID: granteeID,
		Action:    action,
		GrantedBy: rec.CreatorID,
		GrantedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		Active:    true,
	}
	if err := l.persist(); err != nil {
		return nil, err
	}
	l.cache.invalidate(recordID)

	payload, _ := json.Marshal(map[string]string{
		"record_id":  recordID,
		"grantee_id": granteeID,
		"action":     action,
	})
	ev := NormalizeEvent(EventAccessGranted, payload)
	return &ev, nil
}

func (l *FileLedger) revokeAccess(args []string) (*Event, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("RevokeAccess wants record_id, grantee_id: %w", ErrChaincodeError)
	}
	recordID, granteeID := args[0], args[1]

	l.mu.Lock()
	defer l.mu.Unlock()
	grants := l.state.Grants[recordID]
	revoked := false
	for key, grant := range grants {
		if grant.GranteeID == granteeID && grant.Active {
			grants[key].Active = false
			revoked = true
		}
	}
	if !revoked {
		return nil, fmt.Errorf("no active grant for %s on %s: %w", granteeID, recordID, errdefs.ErrNotFound)
	}
	if err := l.persist(); err != nil {
		return nil, err
	}
	l.cache.invalidate(recordID)

	payload, _ := json.Marshal(map[string]string{
		"record_id":  recordID,
		"grantee_id": granteeID,
	})
	ev := NormalizeEvent(EventAccessRevoked, payload)
	return &ev, nil
}

func (l *FileLedger) archiveRecord(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("ArchiveRecord wants record_id: %w", ErrChaincodeError)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.Records[args[0]]; !ok {
		return fmt.Errorf("record %s not on ledger: %w", args[0], errdefs.ErrNotFound)
	}
	return l.persist()
}

// Evaluate dispatches a read-only function through the TTL cache
func (l *FileLedger) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrNotConnected
	}
	l.mu.Unlock()

	key := cacheKey(l.channel, function, args)
	return l.cache.do(ctx, key, func() ([]byte, error) {
		return l.evaluate(function, args)
	})
}

func (l *FileLedger) evaluate(function string, args []string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch function {
	case "ReadRecord", "GetRecord":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s wants record_id: %w", function, ErrChaincodeError)
		}
		rec, ok := l.state.Records[args[0]]
		if !ok {
			return nil, fmt.Errorf("record %s not on ledger: %w", args[0], errdefs.ErrNotFound)
		}
		return json.Marshal(rec)

	case "ListRecords", "GetAllRecords":
		out := make([]*LedgerRecord, 0, len(l.state.Records))
		for _, rec := range l.state.Records {
			out = append(out, rec)
		}
		return json.Marshal(out)

	case "CheckAccess":
		if len(args) != 2 {
			return nil, fmt.Errorf("CheckAccess wants record_id, user_id: %w", ErrChaincodeError)
		}
		return json.Marshal(l.allowed(args[0], args[1]))

	case "ValidateRecordIntegrity", "VerifyRecord":
		// One arg checks the commitment is internally complete; a second
		// arg compares a caller-supplied content hash.
		if len(args) < 1 || len(args) > 2 {
			return nil, fmt.Errorf("%s wants record_id [content_hash]: %w", function, ErrChaincodeError)
		}
		rec, ok := l.state.Records[args[0]]
		if !ok {
			return nil, fmt.Errorf("record %s not on ledger: %w", args[0], errdefs.ErrNotFound)
		}
		if len(args) == 2 {
			return json.Marshal(rec.ContentHash == args[1])
		}
		return json.Marshal(rec.ContentHash != "" && rec.IPFSCID != "")

	case "GetContractInfo":
		return json.Marshal(map[string]string{
			"name":    "medrecords",
			"version": contractVersion,
			"channel": l.channel,
		})

	default:
		return nil, fmt.Errorf("unknown query function %q: %w", function, ErrChaincodeError)
	}
}

// allowed applies the on-ledger access rule: the creator and the
// patient always read their record; everyone else needs an active,
// unexpired grant. Callers hold the lock.
func (l *FileLedger) allowed(recordID, userID string) bool {
	rec, ok := l.state.Records[recordID]
	if !ok {
		return false
	}
	if rec.CreatorID == userID || rec.PatientID == userID {
		return true
	}
	for _, grant := range l.state.Grants[recordID] {
		if grant.GranteeID != userID || !grant.Active {
			continue
		}
		if grant.ExpiresAt != nil && !grant.ExpiresAt.After(time.Now()) {
			continue
		}
		return true
	}
	return false
}

// Subscribe registers a handler for a named event
func (l *FileLedger) Subscribe(eventName string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[eventName] = append(l.handlers[eventName], h)
}

func (l *FileLedger) dispatch(ev Event) {
	l.mu.Lock()
	handlers := append(append([]Handler{}, l.handlers[ev.Name]...), l.handlers[""]...)
	l.mu.Unlock()

	for _, h := range handlers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h(ctx, ev)
		cancel()
	}
}

// Status reports the ledger as always connected
func (l *FileLedger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Connected: !l.closed,
		Channel:   l.channel,
		Chaincode: "medrecords",
	}
}

// Close flushes state and refuses further calls
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.persist()
}

var _ Client = (*FileLedger)(nil)
var _ Client = (*Gateway)(nil)
