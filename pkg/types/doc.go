/*
Package types defines the shared data model of the ORMDB core: 16-byte
identifiers, typed field values, versioned records, change-log entries, and
the stable error taxonomy.

Values are a small tagged union over the supported field kinds (uuid, string,
int32, int64, float32, float64, bool, bytes, timestamp, json). The only type
coercions tolerated anywhere in the engine are the two read-time widenings
int32→int64 and float32→float64; everything else is a SchemaMismatch.

Errors carry a Code from the fixed taxonomy plus the offender details the
boundary requires (constraint, entity, field, duplicate value, and for
optimistic-concurrency conflicts the expected/actual version pair). Callers
classify with CodeOf and IsRetryable rather than string matching.
*/
package types
