package cmd

import "log/slog"

// ServiceCommand registers the server as a system service.
type ServiceCommand struct {
	Install   ServiceInstall   `cmd:"" help:"Install and start the server as a system service"`
	Uninstall ServiceUninstall `cmd:"" help:"Stop and remove the system service"`
}

type ServiceInstall struct {
	Profiles []string `help:"Device profiles the service exports" type:"existingfile"`
}

func (s *ServiceInstall) Run(logger *slog.Logger) error {
	return install(s.Profiles, logger)
}

type ServiceUninstall struct{}

func (s *ServiceUninstall) Run(logger *slog.Logger) error {
	return uninstall(logger)
}
