package types

import (
	"time"
)

// Record represents a patient-record header as persisted in the metadata
// store. The ciphertext itself lives in the object store; the ledger holds
// the authoritative commitment.
type Record struct {
	ID            string       `json:"record_id"`
	PatientID     string       `json:"patient_id"`
	CreatorID     string       `json:"creator_id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	FileType      FileType     `json:"file_type"`
	ContentHash   string       `json:"content_hash"` // SHA-256 of plaintext, hex
	PrimaryCID    string       `json:"primary_cid"`  // metadata object CID
	DataKeyID     string       `json:"data_key_id"`
	VersionNumber int          `json:"version_number"`
	MerkleRoot    string       `json:"merkle_root"`
	Status        RecordStatus `json:"status"`
	LedgerTxID    string       `json:"ledger_tx_id"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// FileType classifies the uploaded payload
type FileType string

const (
	FileTypePDF   FileType = "PDF"
	FileTypeDICOM FileType = "DICOM"
	FileTypeImage FileType = "IMAGE"
	FileTypeOther FileType = "OTHER"
)

// RecordStatus is the record lifecycle state
type RecordStatus string

const (
	RecordStatusDraft    RecordStatus = "DRAFT"
	RecordStatusActive   RecordStatus = "ACTIVE"
	RecordStatusArchived RecordStatus = "ARCHIVED" // terminal, rejects writes
)

// VersionEntry is one link of a record's append-only version chain.
// Hash covers {version, cid, timestamp, creator_id, previous_hash} in
// canonical serialization; PreviousHash is empty for version 1.
type VersionEntry struct {
	RecordID     string    `json:"record_id"`
	Version      int       `json:"version"`
	CID          string    `json:"cid"`
	Hash         string    `json:"hash"`
	CreatorID    string    `json:"creator_id"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
}

// PinState tracks whether an object is pinned in the cluster
type PinState string

const (
	PinStatePinned   PinState = "PINNED"
	PinStateUnpinned PinState = "UNPINNED"
)

// ObjectMetadata describes one stored object: the ordered ciphertext
// chunks plus the crypto parameters needed to reassemble the plaintext.
type ObjectMetadata struct {
	FileName            string    `json:"file_name"`
	FileSize            int64     `json:"file_size"`
	MimeType            string    `json:"mime_type"`
	ContentHash         string    `json:"content_hash"`
	ChunkCount          int       `json:"chunk_count"`
	ChunkCIDs           []string  `json:"chunk_cids"`
	IV                  string    `json:"iv"`       // base64
	AuthTag             string    `json:"auth_tag"` // base64
	EncryptionAlgorithm string    `json:"encryption_algorithm"`
	KeyID               string    `json:"key_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	PinState            PinState  `json:"pin_state"`
	ReplicationCount    int       `json:"replication_count"`
}

// KeyType distinguishes symmetric data keys from asymmetric signing pairs
type KeyType string

const (
	KeyTypeSymmetric  KeyType = "SYMMETRIC"
	KeyTypeAsymmetric KeyType = "ASYMMETRIC"
)

// DataKey is the metadata of a managed key. Key material is never held
// here; it is stored wrapped under the master-key-derived KEK.
type DataKey struct {
	KeyID     string     `json:"key_id"`
	Owner     string     `json:"owner"`
	Purpose   string     `json:"purpose"`
	Algorithm string     `json:"algorithm"`
	KeyType   KeyType    `json:"key_type"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// Expired reports whether the key's expiry (if any) has passed
func (k *DataKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Action is a permissioned operation on a record
type Action string

const (
	ActionRead  Action = "READ"
	ActionWrite Action = "WRITE"
	ActionAdmin Action = "ADMIN"
)

// Permission is the denormalized local view of an on-ledger grant.
// The ledger copy is authoritative; this row is maintained by the
// event consumer.
type Permission struct {
	RecordID  string     `json:"record_id"`
	GranteeID string     `json:"grantee_id"`
	Action    Action     `json:"action"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// Effective reports whether the grant is currently usable
func (p *Permission) Effective(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}

// Effect is a policy decision outcome
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Policy is one prioritized access-control rule. Predicates are matched
// against the request subject, action, and resource; Condition adds
// attribute checks (time-of-day window, source-IP CIDR set, expiry).
type Policy struct {
	ID        string           `json:"id"`
	Priority  int              `json:"priority"`
	Effect    Effect           `json:"effect"`
	Subjects  []string         `json:"subjects"`  // exact IDs or "*"
	Actions   []string         `json:"actions"`   // action names or "*"
	Resources []string         `json:"resources"` // resource IDs, "record:*"-style class globs, or "*"
	Condition *PolicyCondition `json:"condition,omitempty"`
	IsActive  bool             `json:"is_active"`
}

// PolicyCondition holds the attribute predicates of a policy
type PolicyCondition struct {
	// TimeOfDayStart/End bound the permitted wall-clock window, both in
	// "HH:MM" 24h form. A window wrapping midnight is allowed.
	TimeOfDayStart string `json:"time_of_day_start,omitempty"`
	TimeOfDayEnd   string `json:"time_of_day_end,omitempty"`

	// SourceCIDRs restricts the caller source IP
	SourceCIDRs []string `json:"source_cidrs,omitempty"`

	// NotAfter rejects requests past the given instant
	NotAfter *time.Time `json:"not_after,omitempty"`
}

// Decision is the outcome of a policy evaluation
type Decision struct {
	Effect          Effect     `json:"effect"`
	Reason          string     `json:"reason"` // policy id, "ledger_deny", or "no_match"
	MatchedPolicyID string     `json:"matched_policy_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Allowed is a convenience accessor
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// AuditSeverity grades audit entries
type AuditSeverity string

const (
	AuditSeverityInfo AuditSeverity = "INFO"
	AuditSeverityHigh AuditSeverity = "HIGH"
)

// AuditEntry is one append-only audit row
type AuditEntry struct {
	LogID      string        `json:"log_id"`
	UserID     string        `json:"user_id"`
	Action     string        `json:"action"`
	Resource   string        `json:"resource"`
	Timestamp  time.Time     `json:"timestamp"`
	IP         string        `json:"ip,omitempty"`
	UserAgent  string        `json:"user_agent,omitempty"`
	Severity   AuditSeverity `json:"severity"`
	DetailJSON string        `json:"detail_json,omitempty"`
	LedgerTxID string        `json:"ledger_tx_id,omitempty"`
}

// RequestContext carries the caller attributes consulted by policy
// conditions and recorded in the audit log.
type RequestContext struct {
	SourceIP  string
	UserAgent string
	Now       time.Time
}

// At returns the context clock, defaulting to wall time
func (rc RequestContext) At() time.Time {
	if rc.Now.IsZero() {
		return time.Now()
	}
	return rc.Now
}
