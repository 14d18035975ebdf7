// Package policy decides who may do what to which record. Local
// prioritized ALLOW/DENY policies run first; for record resources the
// on-ledger grant is consulted through a short decision cache, and a
// ledger deny always wins.
package policy
