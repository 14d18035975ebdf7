/*
Package metrics defines Custodia's Prometheus collectors.

Collectors are package-level variables grouped by component (pipeline,
object store, ledger gateway, policy engine, event fan-out, metadata
store) and registered once at startup via Register. Exposition is the
embedding process's concern; this package only counts.
*/
package metrics
