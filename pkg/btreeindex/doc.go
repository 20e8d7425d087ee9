/*
Package btreeindex implements the ordered index used for range, order-by and
prefix access. Entries live in the btree_idx tree keyed by
entity ‖ 0x00 ‖ field ‖ 0x00 ‖ enc(value) ‖ id, where enc is the
order-preserving value encoding, so a cursor walk visits records in typed
value order with the record id as deterministic tiebreak.

Trees are not maintained up front. The first query that would benefit
triggers a one-shot build from the columnar projection; the built-state set
persists in the meta tree, so the build happens at most once per
(entity, field) even across restarts, and subsequent writes maintain the
tree synchronously only once it is marked built.
*/
package btreeindex
