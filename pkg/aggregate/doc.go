/*
Package aggregate computes COUNT, SUM, AVG, MIN, MAX, COUNT-DISTINCT,
approximate percentiles and group-bys over the columnar projection, after
the query layer has resolved the filter to an id set.

Count-distinct is exact up to a threshold and degrades to a HyperLogLog
sketch beyond it; percentiles use a t-digest. Group keys concatenate the
grouped column values, optionally with a timestamp truncated to a
second/minute/hour/day/week/month/year boundary; having clauses filter
groups after aggregation. ApproximateCount answers from the per-entity meta
counters without touching any rows.
*/
package aggregate
