//go:build linux

package api

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
)

// CheckAutoAttachPrerequisites reports whether the usbip tool and the
// vhci-hcd module are present, logging how to fix what is missing.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	allOk := true

	if _, err := exec.LookPath(usbipCommand); err != nil {
		logger.Warn("USB/IP tool 'usbip' not found in PATH")
		logger.Warn("Auto-attach requires the usbip command-line tool")
		logger.Info("Install usbip:")
		logger.Info("  Ubuntu/Debian: sudo apt install linux-tools-generic")
		logger.Info("  Arch Linux:    sudo pacman -S usbip")
		allOk = false
	} else {
		logger.Debug("usbip tool found in PATH")
	}

	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		// not fatal, the attach may still work
		logger.Debug("Could not read /proc/modules", "error", err)
	} else if !bytes.Contains(data, []byte("vhci_hcd")) {
		logger.Warn("USB/IP kernel module 'vhci-hcd' is not loaded")
		logger.Warn("Auto-attach will not work until the module is loaded")
		logger.Info("To load the module now, run in another terminal:")
		logger.Info("  sudo modprobe vhci-hcd")
		logger.Info("To load it at boot:")
		logger.Info("  echo 'vhci-hcd' | sudo tee /etc/modules-load.d/usbfs.conf")
		allOk = false
	} else {
		logger.Debug("vhci-hcd kernel module is loaded")
	}

	return allOk
}
