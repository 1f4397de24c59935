//go:build !linux

package cmd

import (
	"errors"
	"log/slog"
	"runtime"
)

var errNoService = errors.New("service install is only supported on linux (systemd), not " + runtime.GOOS)

func install([]string, *slog.Logger) error { return errNoService }

func uninstall(*slog.Logger) error { return errNoService }
