/*
Package plancache caches chosen query plans keyed by the structural
fingerprint of the query IR — tree shape, operator kinds, field and relation
names, never literal values — with LRU eviction and hit/miss/eviction
counters exported both programmatically and as metrics.
*/
package plancache
