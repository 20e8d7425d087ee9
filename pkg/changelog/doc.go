/*
Package changelog implements the append-only change log feeding replication
and CDC. Every committed mutation appends one entry per affected record,
keyed by a strictly monotonic 64-bit LSN and encoded in the fixed
little-endian wire layout (see EncodeEntry).

LSNs are stamped inside the mutation write transaction, after the row write,
so no entry ever exists without its row mutation being durable; the single
writer transaction is the ordered choke point the LSN sequence rides on.

Subscribers open cursored streams from an LSN, a timestamp, or the
beginning, optionally filtered by entity and op sets. Delivery is pull-based
and paced by the subscriber: a committed batch only nudges streams, which
then read from the tree themselves, so slow consumers hold back retention
trim but never writers. When retention has already removed a requested
position the first batch carries an explicit Rewound marker instead of
silently skipping.
*/
package changelog
