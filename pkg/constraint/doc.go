/*
Package constraint enforces the relational integrity rules of the engine.

On every write: unique constraints consult the hash index and re-verify
candidates against their rows; foreign keys must resolve to a live target at
commit time; stored check predicates run against the new field map.

On delete, the declared relation behavior applies — cascade recursively
deletes referencing records, set_null clears the foreign key (failing on
non-nullable fields), restrict aborts naming the blocker count. Cascades are
depth-bounded, and cycles among relations — legal at schema level — are
caught at runtime by tracking the set of ids currently being processed.
*/
package constraint
