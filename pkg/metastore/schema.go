package metastore

// Schema is the full relational layout. The migration runner applies it
// idempotently; every statement is CREATE IF NOT EXISTS.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    record_id      TEXT PRIMARY KEY,
    patient_id     TEXT NOT NULL,
    creator_id     TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    file_type      TEXT NOT NULL DEFAULT 'OTHER',
    content_hash   TEXT NOT NULL,
    primary_cid    TEXT NOT NULL,
    data_key_id    TEXT NOT NULL,
    version_number INTEGER NOT NULL DEFAULT 1,
    merkle_root    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'ACTIVE',
    ledger_tx_id   TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_patient ON records (patient_id);
CREATE INDEX IF NOT EXISTS idx_records_creator ON records (creator_id);

CREATE TABLE IF NOT EXISTS record_versions (
    record_id     TEXT NOT NULL REFERENCES records (record_id),
    version       INTEGER NOT NULL,
    cid           TEXT NOT NULL,
    hash          TEXT NOT NULL,
    creator_id    TEXT NOT NULL,
    timestamp     TIMESTAMPTZ NOT NULL,
    previous_hash TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (record_id, version)
);

CREATE TABLE IF NOT EXISTS object_metadata (
    primary_cid          TEXT PRIMARY KEY,
    file_name            TEXT NOT NULL DEFAULT '',
    file_size            BIGINT NOT NULL,
    mime_type            TEXT NOT NULL DEFAULT '',
    content_hash         TEXT NOT NULL,
    chunk_count          INTEGER NOT NULL,
    chunk_cids           TEXT NOT NULL,
    iv                   TEXT NOT NULL,
    auth_tag             TEXT NOT NULL,
    encryption_algorithm TEXT NOT NULL,
    key_id               TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    pin_state            TEXT NOT NULL DEFAULT 'PINNED',
    replication_count    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS data_keys (
    key_id     TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    purpose    TEXT NOT NULL,
    algorithm  TEXT NOT NULL,
    key_type   TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    is_active  BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS access_permissions (
    record_id  TEXT NOT NULL,
    grantee_id TEXT NOT NULL,
    action     TEXT NOT NULL,
    granted_by TEXT NOT NULL DEFAULT '',
    granted_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    is_active  BOOLEAN NOT NULL DEFAULT true,
    PRIMARY KEY (record_id, grantee_id, action)
);

CREATE INDEX IF NOT EXISTS idx_permissions_record_grantee
    ON access_permissions (record_id, grantee_id);

CREATE TABLE IF NOT EXISTS audit_log (
    log_id       TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    action       TEXT NOT NULL,
    resource     TEXT NOT NULL,
    timestamp    TIMESTAMPTZ NOT NULL,
    ip           TEXT NOT NULL DEFAULT '',
    user_agent   TEXT NOT NULL DEFAULT '',
    severity     TEXT NOT NULL DEFAULT 'INFO',
    detail_json  TEXT NOT NULL DEFAULT '',
    ledger_tx_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log (timestamp);

CREATE TABLE IF NOT EXISTS cid_record_map (
    cid       TEXT NOT NULL UNIQUE,
    record_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cid_map_record ON cid_record_map (record_id);
`
