package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/usbfs/internal/configpaths"
	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/internal/profile"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/server/api/auth"
	"github.com/Alia5/usbfs/internal/server/api/handler"
	"github.com/Alia5/usbfs/internal/server/usb"
	"github.com/Alia5/usbfs/internal/util"
	"github.com/Alia5/usbfs/virtualbus"
)

const keyFileName = "usbfs.key.txt"

type Server struct {
	UsbServerConfig   usb.ServerConfig `embed:"" prefix:"usb."`
	ApiServerConfig   api.ServerConfig `embed:"" prefix:"api."`
	Profiles          []string         `help:"Device profile files (json, yaml or toml). Defaults to the profiles in the config directory, or a single loopback serial port" type:"existingfile" env:"USBFS_PROFILES"`
	BusID             uint32           `help:"USB-IP bus number of the exported devices" default:"1" env:"USBFS_BUS_ID"`
	ConnectionTimeout time.Duration    `help:"ConnectionTimeout operation timeout" default:"30s" env:"USBFS_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer exports every profile on one bus and serves USB-IP, plus the
// management API when it has an address, until ctx ends.
func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout

	profiles, err := s.loadProfiles(logger)
	if err != nil {
		return err
	}

	bus, err := virtualbus.NewWithBusId(s.BusID)
	if err != nil {
		return err
	}
	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	if err := usbSrv.AddBus(bus); err != nil {
		_ = bus.Close()
		return err
	}

	logger.Info("Starting usbfs USB-IP server", "addr", s.UsbServerConfig.Addr, "bus", s.BusID, "devices", len(profiles))

	ctx, cancel := context.WithCancel(ctx)
	mgr := devices.New(logger)
	defer func() {
		cancel()
		mgr.Wait()
		for _, id := range usbSrv.ListBuses() {
			_ = usbSrv.RemoveBus(id)
		}
	}()

	for _, p := range profiles {
		if _, err := mgr.Start(ctx, bus, p); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
	}

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()

	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}
	for _, m := range bus.GetAllDeviceMetas() {
		exp := m.Exported()
		logger.Info("Exported device", "busid", exp.BusIDString(),
			"vid", fmt.Sprintf("%04x", exp.IDVendor), "pid", fmt.Sprintf("%04x", exp.IDProduct))
	}

	apiSrv, err := s.startAPI(ctx, usbSrv, mgr, logger)
	if err != nil {
		_ = usbSrv.Close()
		<-usbErrCh
		if util.IsRunFromGUI(logger) {
			fmt.Println("Press enter to exit...")
			_, _ = os.Stdin.Read(make([]byte, 1))
		}
		return err
	}

	if util.IsRunFromGUI(logger) {
		go func() {
			time.Sleep(250 * time.Millisecond)
			util.HideConsoleWindow(logger)
		}()
	}

	select {
	case <-ctx.Done():
		if apiSrv != nil {
			apiSrv.Close()
		}
		_ = usbSrv.Close()
		_ = <-usbErrCh
		return nil
	case err := <-usbErrCh:
		if apiSrv != nil {
			apiSrv.Close()
		}
		return err
	}
}

// startAPI starts the management API; it returns nil when no address is
// configured.
func (s *Server) startAPI(ctx context.Context, usbSrv *usb.Server, mgr *devices.Manager, logger *slog.Logger) (*api.Server, error) {
	if s.ApiServerConfig.Addr == "" {
		logger.Info("Management API disabled")
		return nil, nil
	}
	if s.ApiServerConfig.Password == "" {
		pwd, err := loadOrCreateKey(logger)
		if err != nil {
			return nil, err
		}
		s.ApiServerConfig.Password = pwd
	}

	apiSrv, err := api.New(usbSrv, mgr, s.ApiServerConfig, logger)
	if err != nil {
		return nil, err
	}
	handler.Register(apiSrv)

	if s.ApiServerConfig.AutoAttachLocalClient {
		logger.Info("Auto-attach is enabled, checking prerequisites...")
		if !api.CheckAutoAttachPrerequisites(logger) {
			logger.Warn("Auto-attach prerequisites not met")
			logger.Warn("Device auto-attachment will fail until requirements are satisfied")
		} else {
			logger.Info("Auto-attach prerequisites satisfied")
		}
	}

	if err := apiSrv.Start(ctx); err != nil {
		logger.Error("failed to start API server", "error", err)
		return nil, err
	}
	return apiSrv, nil
}

// loadOrCreateKey reads the API password from the config directory, or
// generates and stores one on first start.
func loadOrCreateKey(logger *slog.Logger) (string, error) {
	keyFileDir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve key file path: %w", err)
	}
	keyFilePath := filepath.Join(keyFileDir, keyFileName)
	if pwd, err := os.ReadFile(keyFilePath); err == nil {
		return strings.TrimSpace(string(pwd)), nil
	}
	newPwd, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(keyFileDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(newPwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write new API password to file: %w", err)
	}
	logger.Info("Generated API server password", "path", keyFilePath)
	logger.Info("-------------------------------------")
	logger.Info("Your usbfs API server password is:")
	logger.Info("-------------------------------------")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	logger.Info("Remote API clients must send it; edit the file to change it")
	return newPwd, nil
}

func (s *Server) loadProfiles(logger *slog.Logger) ([]profile.Profile, error) {
	paths := s.Profiles
	if len(paths) == 0 {
		if dir, err := configpaths.ProfileDir(); err == nil {
			found, err := configpaths.ProfileCandidates(dir)
			if err != nil {
				return nil, err
			}
			paths = found
		}
	}
	if len(paths) == 0 {
		logger.Info("No device profiles given, exporting the default loopback serial port")
		return []profile.Profile{profile.Default()}, nil
	}

	out := make([]profile.Profile, 0, len(paths))
	for _, path := range paths {
		p, err := profile.Load(path)
		if err != nil {
			return nil, err
		}
		logger.Debug("Loaded profile", "name", p.Name, "path", path)
		out = append(out, p)
	}
	return out, nil
}
