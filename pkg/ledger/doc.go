/*
Package ledger holds the record custody ledger session.

Client is the session contract: Submit for transactions, Evaluate for
read-only chaincode functions, Subscribe for chaincode events. Gateway
implements it against a Fabric-style HTTP gateway service, with
pre-connection diagnostics, profile self-repair, capped-backoff
reconnects, and a cursor-polled event feed. FileLedger implements the
same chaincode surface in-process against one JSON file; dev mode and
the test suites run on it.

Evaluate results pass through a short-TTL cache with single-flight
coalescing, namespaced per channel, so access-check storms collapse to
one upstream call.
*/
package ledger
