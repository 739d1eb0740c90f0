// ABOUTME: Configuration loading for the pocketagent security core
// ABOUTME: YAML with environment variable expansion and duration parsing

// Package config loads and validates the YAML configuration consumed by the
// CLI and the stub server. ${VAR} references are expanded from the
// environment before parsing, and interval fields written as duration
// strings ("30s", "5m") are parsed into time.Duration values.
package config
