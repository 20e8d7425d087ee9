/*
Package codec implements the value and row encodings of the ORMDB core.

Two value encodings exist. The hash encoding (HashValue) is a 16-byte BLAKE3
prefix over type-tag ‖ canonical bytes and keys the hash index; because the
digest is truncated, index hits are re-verified against the row by readers.
The order-preserving encoding (OrderEncode) keys the b-tree index: comparing
encoded byte strings agrees with the typed ordering for every supported kind.

The row codec (EncodeRecord/DecodeRecord) is length-prefixed and field-tagged.
Records carry their catalog schema version, and decoding tolerates fields the
current schema no longer declares, so the catalog can evolve without
rewriting stored rows.
*/
package codec
