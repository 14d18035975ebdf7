// Package fanout turns ledger events into local effects: it keeps the
// denormalized permission rows current, evicts stale policy decisions,
// and publishes user notifications through a buffered broker. A failing
// handler is logged and skipped; delivery always continues.
package fanout
