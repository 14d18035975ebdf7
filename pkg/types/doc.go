/*
Package types defines the shared domain model for Custodia: records and
their append-only version chains, stored-object metadata, managed key
metadata, access permissions, policies and decisions, and audit entries.

The package holds data only. Behavior lives with the owning component:
record lifecycle in pkg/pipeline, key material in pkg/keycustody, object
content in pkg/objectstore, and the authoritative permission state on
the ledger behind pkg/ledger. Keeping the model dependency-free lets
every component share these types without import cycles.

Invariants carried by the model:

  - Record.ContentHash is the SHA-256 of the decrypted plaintext and is
    re-verified on every read.
  - VersionEntry rows are append-only; each entry's Hash covers the
    previous entry's Hash, forming a verifiable chain (pkg/merkle).
  - DataKey never contains key material; wrapped material lives in the
    key store owned by pkg/keycustody.
  - Permission rows are a denormalized view of on-ledger grants and are
    written only by the event consumer (pkg/fanout).
*/
package types
