// Package config loads configuration for both binaries.
//
// The coordinator reads YAML (Load). The coven-approve CLI reads a TOML profile
// (LoadClient) that carries the handshake timings: the long login timeout used
// for cold starts, the poll interval, realtime backoff bounds and the approver
// countdown settings. Both formats expand ${VAR} references from the
// environment; the client also loads a .env file from the working directory
// when one exists.
package config
