/*
Package hashindex maintains the equality index of the engine: for every
declared field, (entity, field, value-hash) maps to the LZ4-compressed,
id-sorted posting list of records holding that value.

Keys embed a 16-byte BLAKE3 prefix of the typed value, so equal bytes of
different kinds never collide by construction; truncation collisions remain
possible and lookups are therefore candidate sets — callers re-verify each
hit against the row (see Verify) before treating it as a match.

Maintenance is synchronous with the mutation pipeline and runs inside the
same write transaction as the row update. The batch path groups postings by
key so each list is rewritten once per batch.
*/
package hashindex
