//go:build windows

package main

import (
	"log/slog"
	"os"

	"github.com/Alia5/usbfs/internal/util"
)

// A double-clicked binary has no arguments; start the server with the
// default profiles instead of printing usage into a window that closes.
func init() {
	if !util.IsRunFromGUI(slog.Default()) {
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "server" {
		return
	}
	slog.Info("Started outside a terminal, running 'server'")
	os.Args = append([]string{os.Args[0], "server"}, os.Args[1:]...)
}
