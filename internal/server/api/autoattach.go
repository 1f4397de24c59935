package api

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
)

// usbipCommand is the client binary; usbip-win2 ships it as usbip.exe with
// the same command line.
var usbipCommand = "usbip"

// AttachLocalhostClient asks the local usbip client to import busID from
// the server on usbipServerPort.
func AttachLocalhostClient(ctx context.Context, busID string, usbipServerPort uint16, logger *slog.Logger) error {
	logger.Info("Auto-attaching localhost client", "busid", busID)

	cmd := exec.CommandContext(
		ctx,
		usbipCommand,
		"--tcp-port",
		strconv.FormatUint(uint64(usbipServerPort), 10),
		"attach",
		"-r", "localhost",
		"-b", busID,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("Failed to attach device",
			"error", err,
			"port", usbipServerPort,
			"output", string(output))
		return err
	}
	logger.Debug("usbip attach output", "output", string(output))
	return nil
}
