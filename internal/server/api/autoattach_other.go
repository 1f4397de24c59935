//go:build !linux

package api

import (
	"log/slog"
	"os/exec"
)

func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	if _, err := exec.LookPath(usbipCommand); err != nil {
		logger.Warn("USB/IP client not found in PATH", "tool", usbipCommand)
		logger.Info("On Windows, install usbip-win2: https://github.com/vadimgrn/usbip-win2")
		return false
	}
	logger.Debug("usbip client found in PATH")
	return true
}
