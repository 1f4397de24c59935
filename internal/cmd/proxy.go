package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/internal/server/proxy"
)

type Proxy struct {
	ListenAddr        string        `help:"Proxy listen address" default:":3241" env:"USBFS_PROXY_ADDR"`
	UpstreamAddr      string        `help:"Upstream USB-IP server address" required:"" env:"USBFS_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Connection timeout" default:"30s" env:"USBFS_PROXY_TIMEOUT"`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.StartProxy(ctx, logger, rawLogger)
}

// StartProxy forwards USB-IP traffic to the upstream server and logs it
// until ctx ends.
func (p *Proxy) StartProxy(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	if p.UpstreamAddr == "" {
		return errors.New("upstream address is empty")
	}

	logger.Info("Starting usbfs USB-IP proxy", "listen", p.ListenAddr, "upstream", p.UpstreamAddr)
	proxySrv := proxy.New(p.ListenAddr, p.UpstreamAddr, p.ConnectionTimeout, logger, rawLogger)

	return proxySrv.ListenAndServe(ctx)
}
