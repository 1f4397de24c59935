package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Alia5/usbfs/internal/server/api"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
	"github.com/Alia5/usbfs/internal/server/serial"
)

// SerialRetryInterval paces reads from a port whose device is not
// configured yet.
var SerialRetryInterval = 100 * time.Millisecond

// SerialStream returns a stream handler that connects the API connection to
// one serial port of a device until either side goes away. The port is
// addressed by index or by name.
func SerialStream(apiSrv *api.Server) api.StreamHandlerFunc {
	return func(conn net.Conn, req *api.Request, logger *slog.Logger) error {
		b, err := busFromParam(apiSrv.USB(), req, "busId")
		if err != nil {
			return err
		}
		devID, err := strconv.ParseUint(req.Params["deviceid"], 10, 32)
		if err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid device number: %v", err))
		}
		r, ok := apiSrv.Devices().Get(b.BusID(), uint32(devID))
		if !ok {
			return apierror.ErrNotFound(fmt.Sprintf("device %d not found on bus %d", devID, b.BusID()))
		}

		port := req.Params["port"]
		idx := -1
		if i, err := strconv.Atoi(port); err == nil && i >= 0 && i < len(r.Serials) {
			idx = i
		} else {
			for i, sp := range r.Profile.Serials {
				if strings.EqualFold(sp.Name, port) {
					idx = i
				}
			}
		}
		if idx < 0 {
			return apierror.ErrNotFound(fmt.Sprintf("serial port %s not found on device %s", port, r.BusIDString()))
		}

		ctx, cancel := context.WithCancel(req.Ctx)
		defer cancel()
		go func() {
			select {
			case <-r.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		logger = logger.With("busid", r.BusIDString(), "serial", r.Profile.Serials[idx].Name)
		serial.Pipe(ctx, conn, r.Serials[idx], SerialRetryInterval, logger)
		return nil
	}
}
