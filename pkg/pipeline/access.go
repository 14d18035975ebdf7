package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/ledger"
	"github.com/medchain-labs/custodia/pkg/merkle"
	"github.com/medchain-labs/custodia/pkg/metastore"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/types"
)

// GrantAccess records a grant on the ledger. The denormalized local
// permission row is written by the event consumer when the AccessGranted
// event arrives, so the ledger stays the single source of truth.
func (p *Pipeline) GrantAccess(ctx context.Context, recordID, granterID, granteeID string, action types.Action, expiresAt *time.Time) (string, error) {
	if granteeID == "" {
		return "", fmt.Errorf("grantee id is required: %w", errdefs.ErrInvalidInput)
	}
	if action == "" {
		action = types.ActionRead
	}

	rec, err := p.resolveRecord(ctx, recordID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("grant", "error").Inc()
		return "", err
	}
	if granterID != rec.CreatorID && granterID != rec.PatientID {
		p.audit(ctx, granterID, "GRANT_DENIED", "record:"+recordID, types.AuditSeverityHigh, types.RequestContext{},
			map[string]string{"grantee_id": granteeID})
		metrics.PipelineOps.WithLabelValues("grant", "denied").Inc()
		return "", fmt.Errorf("only the creator or patient may grant access: %w", errdefs.ErrForbidden)
	}

	args := []string{recordID, granteeID, string(action)}
	if expiresAt != nil {
		args = append(args, expiresAt.UTC().Format(time.RFC3339))
	}
	txID, err := p.ledger.Submit(ctx, "GrantAccess", args...)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("grant", "error").Inc()
		return "", fmt.Errorf("ledger rejected grant: %w", err)
	}

	p.audit(ctx, granterID, "GRANT", "record:"+recordID, types.AuditSeverityInfo, types.RequestContext{},
		map[string]string{"grantee_id": granteeID, "grant_action": string(action), "tx_id": txID})
	metrics.PipelineOps.WithLabelValues("grant", "ok").Inc()
	return txID, nil
}

// RevokeAccess revokes every grant the grantee holds on the record
func (p *Pipeline) RevokeAccess(ctx context.Context, recordID, granterID, granteeID string) (string, error) {
	if granteeID == "" {
		return "", fmt.Errorf("grantee id is required: %w", errdefs.ErrInvalidInput)
	}

	rec, err := p.resolveRecord(ctx, recordID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("revoke", "error").Inc()
		return "", err
	}
	if granterID != rec.CreatorID && granterID != rec.PatientID {
		metrics.PipelineOps.WithLabelValues("revoke", "denied").Inc()
		return "", fmt.Errorf("only the creator or patient may revoke access: %w", errdefs.ErrForbidden)
	}

	txID, err := p.ledger.Submit(ctx, "RevokeAccess", recordID, granteeID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("revoke", "error").Inc()
		return "", fmt.Errorf("ledger rejected revoke: %w", err)
	}

	p.audit(ctx, granterID, "REVOKE", "record:"+recordID, types.AuditSeverityInfo, types.RequestContext{},
		map[string]string{"grantee_id": granteeID, "tx_id": txID})
	metrics.PipelineOps.WithLabelValues("revoke", "ok").Inc()
	return txID, nil
}

// Archive moves a record to ARCHIVED. Archived records stay readable
// but reject new versions. Archiving twice is a conflict.
func (p *Pipeline) Archive(ctx context.Context, recordID, callerID string) error {
	unlock := p.lockRecord(recordID)
	defer unlock()

	rec, err := p.store.GetRecord(ctx, recordID)
	if err != nil {
		metrics.PipelineOps.WithLabelValues("archive", "error").Inc()
		return err
	}
	if callerID != rec.CreatorID && callerID != rec.PatientID {
		metrics.PipelineOps.WithLabelValues("archive", "denied").Inc()
		return fmt.Errorf("only the creator or patient may archive: %w", errdefs.ErrForbidden)
	}
	if rec.Status == types.RecordStatusArchived {
		metrics.PipelineOps.WithLabelValues("archive", "error").Inc()
		return fmt.Errorf("record %s is already archived: %w", recordID, errdefs.ErrConflict)
	}

	if err := p.store.UpdateRecordStatus(ctx, recordID, types.RecordStatusArchived); err != nil {
		metrics.PipelineOps.WithLabelValues("archive", "error").Inc()
		return err
	}
	if _, err := p.ledger.Submit(ctx, "ArchiveRecord", recordID); err != nil {
		// Local state already moved; the ledger mirror catches up on
		// the next repair run.
		p.logger.Warn().Err(err).Str("record_id", recordID).Msg("ledger archive lagging local state")
	}

	p.audit(ctx, callerID, "ARCHIVE", "record:"+recordID, types.AuditSeverityInfo, types.RequestContext{}, nil)
	metrics.PipelineOps.WithLabelValues("archive", "ok").Inc()
	return nil
}

// Repair reconciles ledger-committed records that are missing locally,
// typically after a metadata store outage interrupted CreateRecord
// between the ledger accept and the local commit. It returns the number
// of records restored.
func (p *Pipeline) Repair(ctx context.Context) (int, error) {
	raw, err := p.ledger.Evaluate(ctx, "ListRecords")
	if err != nil && errors.Is(err, ledger.ErrChaincodeError) {
		raw, err = p.ledger.Evaluate(ctx, "GetAllRecords")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list ledger records: %w", err)
	}

	var records []ledger.LedgerRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return 0, fmt.Errorf("malformed ledger record listing: %w", errdefs.ErrLedger)
	}

	repaired := 0
	for _, lr := range records {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		_, err := p.store.GetRecord(ctx, lr.RecordID)
		if err == nil {
			continue
		}
		if !errors.Is(err, metastore.ErrRecordNotFound) {
			return repaired, err
		}
		if err := p.restoreRecord(ctx, lr); err != nil {
			p.logger.Error().Err(err).Str("record_id", lr.RecordID).Msg("repair failed for record")
			continue
		}
		repaired++
	}
	if repaired > 0 {
		p.logger.Info().Int("repaired", repaired).Msg("reconciled ledger records into local store")
	}
	return repaired, nil
}

// restoreRecord rebuilds the local row from the ledger commitment and
// the stored object metadata.
func (p *Pipeline) restoreRecord(ctx context.Context, lr ledger.LedgerRecord) error {
	meta, err := p.objects.Metadata(ctx, lr.IPFSCID)
	if err != nil {
		return fmt.Errorf("object metadata unavailable for %s: %w", lr.IPFSCID, err)
	}

	ver, err := merkle.NewVersionEntry(lr.RecordID, lr.IPFSCID, lr.CreatorID, 1, "", lr.Timestamp)
	if err != nil {
		return err
	}
	root := lr.MerkleRoot
	if root == "" {
		if root, err = merkle.ChainRoot([]*types.VersionEntry{ver}); err != nil {
			return err
		}
	}

	rec := &types.Record{
		ID:            lr.RecordID,
		PatientID:     lr.PatientID,
		CreatorID:     lr.CreatorID,
		Title:         meta.FileName,
		ContentHash:   lr.ContentHash,
		PrimaryCID:    lr.IPFSCID,
		DataKeyID:     meta.KeyID,
		VersionNumber: 1,
		MerkleRoot:    root,
		Status:        types.RecordStatusActive,
		LedgerTxID:    lr.TxID,
		CreatedAt:     lr.Timestamp,
		UpdatedAt:     lr.Timestamp,
	}
	return p.store.CommitRecord(ctx, rec, ver, meta)
}

// RunRepairLoop runs Repair on the interval until the context ends
func (p *Pipeline) RunRepairLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Repair(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("repair pass failed")
			}
		}
	}
}
