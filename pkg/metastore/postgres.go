package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/config"
	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/types"
)

// Postgres is the production Store. Writes always hit the primary;
// reads go to a healthy replica and fall back to the primary.
type Postgres struct {
	primary  *sql.DB
	replicas *replicaPool
	cfg      config.DatabaseConfig
	logger   zerolog.Logger
}

// OpenPostgres connects to the primary and the configured replicas
func OpenPostgres(cfg config.DatabaseConfig) (*Postgres, error) {
	primary, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	primary.SetMaxOpenConns(cfg.PoolSize)
	primary.SetMaxIdleConns(cfg.PoolSize / 2)
	primary.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()
	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	p := &Postgres{
		primary: primary,
		cfg:     cfg,
		logger:  log.WithComponent("metastore"),
	}
	p.replicas = newReplicaPool(cfg, p.logger)
	return p, nil
}

// Migrate applies the schema, statement by statement
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := p.primary.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the primary and every replica connection
func (p *Postgres) Close() error {
	p.replicas.close()
	return p.primary.Close()
}

// reader returns the connection reads should use
func (p *Postgres) reader() *sql.DB {
	if db := p.replicas.pick(); db != nil {
		return db
	}
	return p.primary
}

// observe logs queries that exceed the slow threshold, with the SQL
// truncated and at most the first 5 params at 64 chars each.
func (p *Postgres) observe(start time.Time, query string, args []any) {
	elapsed := time.Since(start)
	if elapsed < p.cfg.SlowQuery {
		return
	}
	metrics.SlowQueries.Inc()

	params := make([]string, 0, 5)
	for i, arg := range args {
		if i == 5 {
			break
		}
		s := fmt.Sprintf("%v", arg)
		if len(s) > 64 {
			s = s[:64] + "..."
		}
		params = append(params, s)
	}
	p.logger.Warn().
		Dur("elapsed", elapsed).
		Str("sql", truncateSQL(query)).
		Strs("params", params).
		Msg("slow query")
}

func truncateSQL(query string) string {
	flat := strings.Join(strings.Fields(query), " ")
	if len(flat) > 200 {
		return flat[:200] + "..."
	}
	return flat
}

func (p *Postgres) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	res, err := p.primary.ExecContext(ctx, query, args...)
	p.observe(start, query, args)
	return res, err
}

// replicaFailure reports whether a replica read error warrants demoting
// the replica and retrying on the primary. Row outcomes and caller
// cancellation are not replica faults.
func replicaFailure(ctx context.Context, err error) bool {
	return err != nil && !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil
}

func (p *Postgres) demote(db *sql.DB, err error) {
	p.replicas.markUnhealthy(db)
	metrics.ReplicaFallbacks.Inc()
	p.logger.Warn().Err(err).Msg("replica read failed; retrying on primary")
}

// queryRowScan runs a single-row read and scans it while the query
// timeout is still live. A replica connection failure demotes the
// replica and reruns the read on the primary.
func (p *Postgres) queryRowScan(ctx context.Context, query string, args []any, dest ...any) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	db := p.reader()
	err := db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if db != p.primary && replicaFailure(ctx, err) {
		p.demote(db, err)
		err = p.primary.QueryRowContext(ctx, query, args...).Scan(dest...)
	}
	p.observe(start, query, args)
	return err
}

// queryRows runs a multi-row read, invoking scan per row inside the
// query timeout. A replica connection failure demotes the replica and
// reruns the read on the primary.
func (p *Postgres) queryRows(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	db := p.reader()
	rows, err := db.QueryContext(ctx, query, args...)
	if db != p.primary && replicaFailure(ctx, err) {
		p.demote(db, err)
		rows, err = p.primary.QueryContext(ctx, query, args...)
	}
	p.observe(start, query, args)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

const insertRecordSQL = `
INSERT INTO records (record_id, patient_id, creator_id, title, description,
    file_type, content_hash, primary_cid, data_key_id, version_number,
    merkle_root, status, ledger_tx_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

const insertVersionSQL = `
INSERT INTO record_versions (record_id, version, cid, hash, creator_id, timestamp, previous_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7)`

const insertObjectMetaSQL = `
INSERT INTO object_metadata (primary_cid, file_name, file_size, mime_type,
    content_hash, chunk_count, chunk_cids, iv, auth_tag, encryption_algorithm,
    key_id, created_at, pin_state, replication_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

// CommitRecord writes the record, version 1, object metadata, and CID
// mapping atomically.
func (p *Postgres) CommitRecord(ctx context.Context, rec *types.Record, ver *types.VersionEntry, meta *types.ObjectMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	defer p.observe(start, "commit record tx", []any{rec.ID})

	tx, err := p.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertRecordSQL,
		rec.ID, rec.PatientID, rec.CreatorID, rec.Title, rec.Description,
		rec.FileType, rec.ContentHash, rec.PrimaryCID, rec.DataKeyID,
		rec.VersionNumber, rec.MerkleRoot, rec.Status, rec.LedgerTxID,
		rec.CreatedAt, rec.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", rec.ID, ErrDuplicateRecord)
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}

	if err := insertVersionTx(ctx, tx, ver); err != nil {
		return err
	}
	if err := insertObjectMetaTx(ctx, tx, rec.PrimaryCID, meta); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cid_record_map (cid, record_id) VALUES ($1,$2)`,
		rec.PrimaryCID, rec.ID); err != nil {
		return fmt.Errorf("failed to map CID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record transaction: %w", err)
	}
	return nil
}

// CommitVersion appends a version and refreshes the header atomically
func (p *Postgres) CommitVersion(ctx context.Context, rec *types.Record, ver *types.VersionEntry, meta *types.ObjectMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	defer p.observe(start, "commit version tx", []any{rec.ID, ver.Version})

	tx, err := p.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET content_hash=$2, primary_cid=$3, data_key_id=$4,
			version_number=$5, merkle_root=$6, ledger_tx_id=$7, updated_at=$8
		WHERE record_id=$1`,
		rec.ID, rec.ContentHash, rec.PrimaryCID, rec.DataKeyID,
		rec.VersionNumber, rec.MerkleRoot, rec.LedgerTxID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", rec.ID, ErrRecordNotFound)
	}

	if err := insertVersionTx(ctx, tx, ver); err != nil {
		return err
	}
	if err := insertObjectMetaTx(ctx, tx, rec.PrimaryCID, meta); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cid_record_map (cid, record_id) VALUES ($1,$2)`,
		rec.PrimaryCID, rec.ID); err != nil {
		return fmt.Errorf("failed to map CID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit version transaction: %w", err)
	}
	return nil
}

func insertVersionTx(ctx context.Context, tx *sql.Tx, ver *types.VersionEntry) error {
	if _, err := tx.ExecContext(ctx, insertVersionSQL,
		ver.RecordID, ver.Version, ver.CID, ver.Hash, ver.CreatorID,
		ver.Timestamp, ver.PreviousHash); err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func insertObjectMetaTx(ctx context.Context, tx *sql.Tx, primaryCID string, meta *types.ObjectMetadata) error {
	cids, err := json.Marshal(meta.ChunkCIDs)
	if err != nil {
		return fmt.Errorf("failed to encode chunk CIDs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertObjectMetaSQL,
		primaryCID, meta.FileName, meta.FileSize, meta.MimeType,
		meta.ContentHash, meta.ChunkCount, string(cids), meta.IV, meta.AuthTag,
		meta.EncryptionAlgorithm, meta.KeyID, meta.CreatedAt, meta.PinState,
		meta.ReplicationCount); err != nil {
		return fmt.Errorf("failed to insert object metadata: %w", err)
	}
	return nil
}

const selectRecordSQL = `
SELECT record_id, patient_id, creator_id, title, description, file_type,
    content_hash, primary_cid, data_key_id, version_number, merkle_root,
    status, ledger_tx_id, created_at, updated_at
FROM records`

func recordDest(rec *types.Record) []any {
	return []any{&rec.ID, &rec.PatientID, &rec.CreatorID, &rec.Title,
		&rec.Description, &rec.FileType, &rec.ContentHash, &rec.PrimaryCID,
		&rec.DataKeyID, &rec.VersionNumber, &rec.MerkleRoot, &rec.Status,
		&rec.LedgerTxID, &rec.CreatedAt, &rec.UpdatedAt}
}

// GetRecord loads one record header
func (p *Postgres) GetRecord(ctx context.Context, recordID string) (*types.Record, error) {
	rec := &types.Record{}
	err := p.queryRowScan(ctx, selectRecordSQL+` WHERE record_id=$1`,
		[]any{recordID}, recordDest(rec)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", recordID, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

// ListRecordsByPatient loads every record header for a patient
func (p *Postgres) ListRecordsByPatient(ctx context.Context, patientID string) ([]*types.Record, error) {
	var out []*types.Record
	err := p.queryRows(ctx, selectRecordSQL+` WHERE patient_id=$1 ORDER BY created_at`,
		[]any{patientID}, func(rows *sql.Rows) error {
			rec := &types.Record{}
			if err := rows.Scan(recordDest(rec)...); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// UpdateRecordStatus moves the record's lifecycle state
func (p *Postgres) UpdateRecordStatus(ctx context.Context, recordID string, status types.RecordStatus) error {
	res, err := p.exec(ctx,
		`UPDATE records SET status=$2, updated_at=now() WHERE record_id=$1`,
		recordID, status)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", recordID, ErrRecordNotFound)
	}
	return nil
}

// ListVersions returns the record's version chain in version order
func (p *Postgres) ListVersions(ctx context.Context, recordID string) ([]*types.VersionEntry, error) {
	var out []*types.VersionEntry
	err := p.queryRows(ctx, `
		SELECT record_id, version, cid, hash, creator_id, timestamp, previous_hash
		FROM record_versions WHERE record_id=$1 ORDER BY version`,
		[]any{recordID}, func(rows *sql.Rows) error {
			ver := &types.VersionEntry{}
			if err := rows.Scan(&ver.RecordID, &ver.Version, &ver.CID, &ver.Hash,
				&ver.CreatorID, &ver.Timestamp, &ver.PreviousHash); err != nil {
				return err
			}
			out = append(out, ver)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return out, nil
}

// GetObjectMetadata loads the stored object descriptor
func (p *Postgres) GetObjectMetadata(ctx context.Context, primaryCID string) (*types.ObjectMetadata, error) {
	meta := &types.ObjectMetadata{}
	var cids string
	err := p.queryRowScan(ctx, `
		SELECT file_name, file_size, mime_type, content_hash, chunk_count,
			chunk_cids, iv, auth_tag, encryption_algorithm, key_id, created_at,
			pin_state, replication_count
		FROM object_metadata WHERE primary_cid=$1`,
		[]any{primaryCID},
		&meta.FileName, &meta.FileSize, &meta.MimeType, &meta.ContentHash,
		&meta.ChunkCount, &cids, &meta.IV, &meta.AuthTag,
		&meta.EncryptionAlgorithm, &meta.KeyID, &meta.CreatedAt,
		&meta.PinState, &meta.ReplicationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object metadata %s: %w", primaryCID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load object metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(cids), &meta.ChunkCIDs); err != nil {
		return nil, fmt.Errorf("chunk CID list corrupt: %w", err)
	}
	return meta, nil
}

// RecordIDForCID resolves which record owns a CID
func (p *Postgres) RecordIDForCID(ctx context.Context, cid string) (string, error) {
	var recordID string
	err := p.queryRowScan(ctx,
		`SELECT record_id FROM cid_record_map WHERE cid=$1`, []any{cid}, &recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cid %s: %w", cid, errdefs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve CID: %w", err)
	}
	return recordID, nil
}

// UpsertPermission writes the denormalized grant row idempotently
func (p *Postgres) UpsertPermission(ctx context.Context, perm *types.Permission) error {
	_, err := p.exec(ctx, `
		INSERT INTO access_permissions (record_id, grantee_id, action, granted_by, granted_at, expires_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (record_id, grantee_id, action)
		DO UPDATE SET granted_by=$4, granted_at=$5, expires_at=$6, is_active=$7`,
		perm.RecordID, perm.GranteeID, perm.Action, perm.GrantedBy,
		perm.GrantedAt, perm.ExpiresAt, perm.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert permission: %w", err)
	}
	return nil
}

// DeactivatePermissions flips every grant the grantee holds on the record
func (p *Postgres) DeactivatePermissions(ctx context.Context, recordID, granteeID string) error {
	_, err := p.exec(ctx, `
		UPDATE access_permissions SET is_active=false
		WHERE record_id=$1 AND grantee_id=$2`, recordID, granteeID)
	if err != nil {
		return fmt.Errorf("failed to deactivate permissions: %w", err)
	}
	return nil
}

// ListPermissions returns every grant row for a record
func (p *Postgres) ListPermissions(ctx context.Context, recordID string) ([]*types.Permission, error) {
	var out []*types.Permission
	err := p.queryRows(ctx, `
		SELECT record_id, grantee_id, action, granted_by, granted_at, expires_at, is_active
		FROM access_permissions WHERE record_id=$1 ORDER BY grantee_id, action`,
		[]any{recordID}, func(rows *sql.Rows) error {
			perm := &types.Permission{}
			if err := rows.Scan(&perm.RecordID, &perm.GranteeID, &perm.Action,
				&perm.GrantedBy, &perm.GrantedAt, &perm.ExpiresAt, &perm.IsActive); err != nil {
				return err
			}
			out = append(out, perm)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return out, nil
}

// PutDataKey mirrors key metadata (never material) for reporting
func (p *Postgres) PutDataKey(ctx context.Context, key *types.DataKey) error {
	_, err := p.exec(ctx, `
		INSERT INTO data_keys (key_id, owner, purpose, algorithm, key_type, created_at, expires_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (key_id)
		DO UPDATE SET expires_at=$7, is_active=$8`,
		key.KeyID, key.Owner, key.Purpose, key.Algorithm, key.KeyType,
		key.CreatedAt, key.ExpiresAt, key.IsActive)
	if err != nil {
		return fmt.Errorf("failed to store data key metadata: %w", err)
	}
	return nil
}

// AppendAudit writes one append-only audit row
func (p *Postgres) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	_, err := p.exec(ctx, `
		INSERT INTO audit_log (log_id, user_id, action, resource, timestamp, ip, user_agent, severity, detail_json, ledger_tx_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.LogID, entry.UserID, entry.Action, entry.Resource, entry.Timestamp,
		entry.IP, entry.UserAgent, entry.Severity, entry.DetailJSON, entry.LedgerTxID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// isUniqueViolation matches Postgres error 23505
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

var _ Store = (*Postgres)(nil)
