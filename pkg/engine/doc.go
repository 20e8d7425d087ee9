/*
Package engine assembles the ORMDB storage-and-query core and is the API
surface external collaborators (gateway, compiler, adapters) program
against: graph queries, mutations with optimistic concurrency, aggregation,
schema application and change log subscriptions.

One bbolt database holds all six trees (rows, hash_idx, btree_idx, catalog,
changelog, meta). Readers run on storage snapshots; writers serialize
through the single write transaction that stamps LSNs; a catalog write
latch drains in-flight operations for the moment a schema bundle swaps in.
*/
package engine
