/*
Package mutation implements the write path of the engine: Insert, Update,
Delete and Upsert, addressed by id or filter, with optimistic concurrency
through expected_version.

Each mutation runs inside one write transaction covering the catalog
validation, the OCC check, the constraint precheck, the row write, index
maintenance and the changelog append. Aborting the transaction rolls all of
it back together, so indexes never drift from rows and no changelog entry
exists without its durable row mutation. Cascaded deletes run in the same
transaction, children first, so the initiating record's change entry is the
last of its cascade.

Batches apply items independently — a failed item reports its error without
aborting the rest — but share one durability fence, and each item's log
entries are contiguous.
*/
package mutation
