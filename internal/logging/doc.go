// Package logging configures log/slog for both binaries.
package logging
