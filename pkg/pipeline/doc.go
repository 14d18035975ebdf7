// Package pipeline coordinates the record lifecycle across the object
// store, key custody, the ledger, policy, and the metadata store. A
// record exists once the ledger has accepted its commitment and the
// local metadata commit succeeded; partial failures either roll back
// the stored object or are reconciled by the repair task. Writes on a
// record are serialized, reads are policy gated and audited.
package pipeline
