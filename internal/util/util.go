//go:build !windows

// Package util holds platform glue for how the binary was launched.
package util

import "log/slog"

// IsRunFromGUI is always false off Windows; there a double-clicked server
// is the only case that needs special handling.
func IsRunFromGUI(*slog.Logger) bool { return false }

func HideConsoleWindow(*slog.Logger) {}
