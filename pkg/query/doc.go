/*
Package query plans and executes graph-shaped queries: a root entity with a
filter tree, ordering, pagination, and includes that replicate the query one
level down through named relations.

Planning selects an access method per filter node — hash lookups for
equality and in-lists on indexed fields, b-tree ranges and prefixes
(building the tree lazily on first use), intersection and union for and/or
— falling back to a columnar scan. Plans are cached by the structural
fingerprint of the IR, so literals never fragment the cache.

Execution re-verifies every index candidate against its row, orders with a
bounded top-k accumulator or pages directly over the order field's b-tree
with an opaque cursor, fans out includes one batch per relation with
per-parent limits, and enforces entity/edge/depth budgets with cooperative
cancellation at block boundaries. Results are entity blocks plus
(parent, child) edge blocks; the root block preserves result order.
*/
package query
