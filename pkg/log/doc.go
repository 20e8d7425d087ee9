/*
Package log provides structured logging for ORMDB built on zerolog.

A single root logger is configured once at process start via Init; every
component derives a child carrying a stable "component" field and layers
operation context on top with WithEntity / WithLSN:

	logger := log.WithComponent("mutation")
	log.WithEntity(logger, "User").Debug().Err(err).Msg("mutation rejected")

Console output (human-readable, RFC3339 timestamps) is the default; JSON
output is used when running as a managed process.
*/
package log
