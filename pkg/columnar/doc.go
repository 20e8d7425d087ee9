/*
Package columnar materializes per-entity column chunks from the row store:
one NULL bitmap plus a kind-specific array per field, with strings
dictionary-encoded and fixed-width kinds stored plain.

The projection serves entity-wide filter scans, aggregation, and the one-shot
source for lazy b-tree builds. It is derived state only — rebuilt from the
row store at startup (one goroutine per entity) and kept current by the
mutation pipeline after each commit, never consulted for durability.
*/
package columnar
