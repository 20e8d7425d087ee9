/*
Package compactor runs the periodic maintenance cycle of the store: it
physically removes tombstoned records once they are past retention and free
of live incoming references, prunes per-record version history beyond the
configured bound, and trims the change log against its retention window and
subscriber cursors. Each run reports versions removed, tombstones removed,
bytes reclaimed and duration.
*/
package compactor
