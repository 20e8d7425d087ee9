/*
Package catalog holds the versioned schema bundle that drives encoding and
validation across the engine: entities with typed fields, relations with
cardinality and delete rules, index descriptors, and check constraints.

Applying a new bundle is graded. Additive changes are accepted
unconditionally; adding a required field with a default is accepted and
backfills lazily on read; field removal, type narrowing, and
required-without-default are breaking and rejected unless forced. Apply swaps
an immutable snapshot atomically, so a reader that pinned a View sees one
consistent schema version for its whole operation.

Bundles load from YAML files (see load.go for the format) and marshal back
for persistence in the catalog tree.
*/
package catalog
