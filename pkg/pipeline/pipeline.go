package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/ledger"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/merkle"
	"github.com/medchain-labs/custodia/pkg/metastore"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/objectstore"
	"github.com/medchain-labs/custodia/pkg/types"
)

// ObjectStore is the slice of the object store client the pipeline uses
type ObjectStore interface {
	Put(ctx context.Context, plaintext []byte, opts objectstore.PutOptions) (*objectstore.PutResult, error)
	Get(ctx context.Context, primaryCID string, dataKey []byte) ([]byte, error)
	Metadata(ctx context.Context, primaryCID string) (*types.ObjectMetadata, error)
	UnpinObject(ctx context.Context, primaryCID string) error
}

// KeyCustody is the slice of key custody the pipeline uses
type KeyCustody interface {
	Issue(ctx context.Context, owner, purpose string, expiresIn time.Duration) (string, error)
	Unwrap(ctx context.Context, keyID string) ([]byte, error)
	Revoke(ctx context.Context, keyID string) error
	Describe(keyID string) (*types.DataKey, error)
}

// Decider gates reads and writes
type Decider interface {
	Decide(ctx context.Context, subject string, action types.Action, resource string, rc types.RequestContext) (types.Decision, error)
}

// Pipeline owns record lifecycle: create, read, version, access, and
// archive. It is the only component that crosses the ledger, the object
// store, key custody, and the metadata store in one operation, and it
// serializes writes per record.
type Pipeline struct {
	objects ObjectStore
	keys    KeyCustody
	ledger  ledger.Client
	store   metastore.Store
	policy  Decider
	logger  zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires the pipeline. policy may be nil in trusted internal use;
// reads are then ungated.
func New(objects ObjectStore, keys KeyCustody, lc ledger.Client, store metastore.Store, decider Decider) *Pipeline {
	return &Pipeline{
		objects: objects,
		keys:    keys,
		ledger:  lc,
		store:   store,
		policy:  decider,
		logger:  log.WithComponent("pipeline"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockRecord serializes writes on one record id
func (p *Pipeline) lockRecord(recordID string) func() {
	p.mu.Lock()
	l, ok := p.locks[recordID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[recordID] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateRequest carries a new record's inputs
type CreateRequest struct {
	PatientID   string
	CreatorID   string
	Title       string
	Description string
	FileType    types.FileType
	FileName    string
	MimeType    string
	File        []byte
}

func (r *CreateRequest) validate() error {
	switch {
	case r.PatientID == "":
		return fmt.Errorf("patient id is required: %w", errdefs.ErrInvalidInput)
	case r.CreatorID == "":
		return fmt.Errorf("creator id is required: %w", errdefs.ErrInvalidInput)
	case r.Title == "":
		return fmt.Errorf("title is required: %w", errdefs.ErrInvalidInput)
	case len(r.File) == 0:
		return fmt.Errorf("file payload is required: %w", errdefs.ErrInvalidInput)
	}
	return nil
}

// ledgerPayload is the canonical CreateMedicalRecord argument
type ledgerPayload struct {
	RecordID    string    `json:"record_id"`
	PatientID   string    `json:"patient_id"`
	CreatorID   string    `json:"creator_id"`
	IPFSCID     string    `json:"ipfs_cid"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// CreateRecord encrypts and stores the payload, commits the record to
// the ledger, and persists the metadata in one transaction. The record
// exists only when both the ledger accepted it and the local commit
// succeeded; earlier failures unpin the object and revoke the key.
func (p *Pipeline) CreateRecord(ctx context.Context, req CreateRequest) (*types.Record, error) {
	start := time.Now()
	defer func() { metrics.PipelineDuration.WithLabelValues("create").Observe(time.Since(start).Seconds()) }()

	if err := req.validate(); err != nil {
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	keyID, err := p.keys.Issue(ctx, req.CreatorID, "data-encryption", 0)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to issue data key: %w", err)
	}
	dek, err := p.keys.Unwrap(ctx, keyID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}

	put, err := p.objects.Put(ctx, req.File, objectstore.PutOptions{
		FileName: req.FileName,
		MimeType: req.MimeType,
		DataKey:  dek,
		KeyID:    keyID,
		Owner:    req.CreatorID,
	})
	if err != nil {
		p.revokeKey(keyID)
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to store object: %w", err)
	}

	recordID := uuid.NewString()
	now := time.Now().UTC()

	ver, err := merkle.NewVersionEntry(recordID, put.PrimaryCID, req.CreatorID, 1, "", now)
	if err != nil {
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, err
	}
	root, err := merkle.ChainRoot([]*types.VersionEntry{ver})
	if err != nil {
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	payload, err := json.Marshal(ledgerPayload{
		RecordID:    recordID,
		PatientID:   req.PatientID,
		CreatorID:   req.CreatorID,
		IPFSCID:     put.PrimaryCID,
		ContentHash: put.ContentHash,
		Timestamp:   now,
	})
	if err != nil {
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to encode ledger payload: %w", err)
	}

	txID, err := p.submitCreate(ctx, string(payload))
	if err != nil {
		// The ledger never accepted the record, so the uploaded object
		// and its key are orphans.
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("ledger rejected record: %w", err)
	}

	rec := &types.Record{
		ID:            recordID,
		PatientID:     req.PatientID,
		CreatorID:     req.CreatorID,
		Title:         req.Title,
		Description:   req.Description,
		FileType:      req.FileType,
		ContentHash:   put.ContentHash,
		PrimaryCID:    put.PrimaryCID,
		DataKeyID:     keyID,
		VersionNumber: 1,
		MerkleRoot:    root,
		Status:        types.RecordStatusActive,
		LedgerTxID:    txID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	meta, err := p.objects.Metadata(ctx, put.PrimaryCID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("stored object metadata unreadable: %w", err)
	}

	if err := p.store.CommitRecord(ctx, rec, ver, meta); err != nil {
		// Ledger accepted but the local write failed; the repair task
		// reconciles from the ledger, so nothing is rolled back here.
		p.logger.Error().Err(err).
			Str("record_id", recordID).
			Str("tx_id", txID).
			Msg("local commit failed after ledger accept; awaiting repair")
		metrics.PipelineOps.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("failed to commit record metadata: %w", err)
	}

	if key, err := p.keys.Describe(keyID); err == nil {
		if err := p.store.PutDataKey(ctx, key); err != nil {
			p.logger.Warn().Err(err).Str("key_id", keyID).Msg("failed to mirror key metadata")
		}
	}

	metrics.PipelineOps.WithLabelValues("create", "ok").Inc()
	p.logger.Info().
		Str("record_id", recordID).
		Str("patient_id", req.PatientID).
		Str("cid", put.PrimaryCID).
		Str("tx_id", txID).
		Msg("record created")
	return rec, nil
}

// submitCreate tries the authoritative function name, falling back to
// the legacy one exactly once.
func (p *Pipeline) submitCreate(ctx context.Context, payload string) (string, error) {
	txID, err := p.ledger.Submit(ctx, "CreateMedicalRecord", payload)
	if err != nil && errors.Is(err, ledger.ErrChaincodeError) {
		return p.ledger.Submit(ctx, "CreateRecord", payload)
	}
	return txID, err
}

// CreateVersion appends a new payload version to an existing record.
// Writes on the same record are serialized by the per-record lock.
func (p *Pipeline) CreateVersion(ctx context.Context, recordID, creatorID string, file []byte, fileName string) (*types.Record, error) {
	start := time.Now()
	defer func() { metrics.PipelineDuration.WithLabelValues("version").Observe(time.Since(start).Seconds()) }()

	if len(file) == 0 {
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("file payload is required: %w", errdefs.ErrInvalidInput)
	}

	unlock := p.lockRecord(recordID)
	defer unlock()

	rec, err := p.store.GetRecord(ctx, recordID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, err
	}
	if rec.Status == types.RecordStatusArchived {
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("record %s is archived: %w", recordID, errdefs.ErrConflict)
	}

	versions, err := p.store.ListVersions(ctx, recordID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, err
	}
	if len(versions) == 0 {
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("record %s has no version chain: %w", recordID, errdefs.ErrIntegrityViolation)
	}
	last := versions[len(versions)-1]

	keyID, err := p.keys.Issue(ctx, creatorID, "data-encryption", 0)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("failed to issue data key: %w", err)
	}
	dek, err := p.keys.Unwrap(ctx, keyID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}

	put, err := p.objects.Put(ctx, file, objectstore.PutOptions{
		FileName: fileName,
		DataKey:  dek,
		KeyID:    keyID,
		Owner:    creatorID,
	})
	if err != nil {
		p.revokeKey(keyID)
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("failed to store object: %w", err)
	}

	now := time.Now().UTC()
	ver, err := merkle.NewVersionEntry(recordID, put.PrimaryCID, creatorID, last.Version+1, last.Hash, now)
	if err != nil {
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, err
	}
	root, err := merkle.ChainRoot(append(versions, ver))
	if err != nil {
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, err
	}

	updated := *rec
	updated.ContentHash = put.ContentHash
	updated.PrimaryCID = put.PrimaryCID
	updated.DataKeyID = keyID
	updated.VersionNumber = ver.Version
	updated.MerkleRoot = root
	updated.UpdatedAt = now

	meta, err := p.objects.Metadata(ctx, put.PrimaryCID)
	if err != nil {
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("stored object metadata unreadable: %w", err)
	}

	if err := p.store.CommitVersion(ctx, &updated, ver, meta); err != nil {
		p.rollbackObject(put.PrimaryCID, keyID)
		metrics.PipelineOps.WithLabelValues("version", "error").Inc()
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}

	metrics.PipelineOps.WithLabelValues("version", "ok").Inc()
	p.logger.Info().
		Str("record_id", recordID).
		Int("version", ver.Version).
		Str("cid", put.PrimaryCID).
		Msg("version created")
	return &updated, nil
}

// revokeKey best-effort revokes an orphaned key
func (p *Pipeline) revokeKey(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.keys.Revoke(ctx, keyID); err != nil {
		p.logger.Warn().Err(err).Str("key_id", keyID).Msg("failed to revoke orphaned key")
	}
}

// rollbackObject unpins an orphaned object and revokes its key. Runs
// on its own deadline so a canceled request still cleans up.
func (p *Pipeline) rollbackObject(primaryCID, keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.objects.UnpinObject(ctx, primaryCID); err != nil {
		p.logger.Warn().Err(err).Str("cid", primaryCID).Msg("failed to unpin orphaned object")
	}
	p.revokeKey(keyID)
}
