/*
Package metrics defines the Prometheus instrumentation of the ORMDB core:
mutation and query throughput and latency, plan cache effectiveness, lazy
index builds, change log position and subscriber count, and compaction
yield. All collectors register at init; Handler exposes the standard
scrape endpoint.
*/
package metrics
