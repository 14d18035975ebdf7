/*
Package objectstore stores encrypted medical record payloads in a
content-addressed block store cluster.

Plaintext is encrypted whole with AES-256-GCM (tag carried in the
metadata object, so ciphertext length equals plaintext length), cut
into fixed 256 KiB chunks, and the chunks uploaded concurrently to an
HTTP block API. A JSON metadata object records the chunk CID list, IV,
auth tag, content hash, and key id; its own CID is the object's primary
CID and the only handle callers need to retain.

The client maintains a failover pool of endpoints. Calls retry across
distinct nodes with exponential backoff, failed nodes are marked
unhealthy, and a background TCP probe re-admits recovered nodes. Pin
state is mirrored into a local bbolt ledger so the repair task can
re-pin objects the cluster dropped.
*/
package objectstore
