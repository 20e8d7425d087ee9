/*
Package rowstore implements the keyed store of versioned entity records on
top of bbolt, and owns the shared database handle whose buckets hold all six
logical trees: rows, hash_idx, btree_idx, catalog, changelog, meta.

Current records live under entity ‖ 0x00 ‖ id(16); superseded versions are
archived under entity ‖ 0x01 ‖ id ‖ version and bounded per record, so point
reads, id-ordered ranges and full scans are all a single cursor walk.

Durability is graded. In paranoid mode every commit fsyncs. In normal mode
(the default) commits skip the fsync and Fence flushes at the end of each
operation or batch, so a batch shares one durability fence. In fast mode a
background group-commit loop flushes on a short interval and writes are
acknowledged before the flush.
*/
package rowstore
