/*
Package merkle implements the commitment layer: binary Merkle trees over
record-version chains, directional inclusion proofs, and version-chain
integrity verification.

Tree construction hashes each submitted item with SHA-256 and combines
lowercase hex digests pairwise, duplicating the last node of any
odd-sized level. A single-item tree's root is the item's own digest.

Proof steps carry their sibling's side ("L:<hex>" / "R:<hex>") so a
verifier can recompute the path without the tree. Undirected legacy
proofs are accepted on input and treated as left siblings; everything
written by this package is directional.

Version chains hash a canonical JSON form with a fixed key order and
millisecond ISO-8601 timestamps so that independent writers produce
byte-identical serializations. Each entry's hash covers the previous
entry's hash, making any retroactive edit detectable.
*/
package merkle
