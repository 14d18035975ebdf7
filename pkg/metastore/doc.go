/*
Package metastore persists the relational view of record custody.

The ledger holds the authoritative commitment and the object store the
ciphertext; this store keeps the queryable copy: record headers, the
append-only version chain, object metadata, the permission rows the
event consumer denormalizes from ledger grants, the audit log, and the
CID-to-record mapping.

Postgres is the production implementation. Record commits are one
transaction across the record, version, object-metadata, and CID-map
rows. Reads go to a replica pool with health probing and fall back to
the primary; queries over the slow threshold are logged with truncated
SQL and parameters. Memory mirrors the same semantics for dev mode and
tests.
*/
package metastore
