// Package config loads the YAML server configuration: data directory,
// durability mode, retention windows, cache sizes and default query budget.
package config
