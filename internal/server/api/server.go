package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/server/api/auth"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
	"github.com/Alia5/usbfs/internal/server/usb"
)

// Server implements a small TCP API for managing buses and the devices on
// them.
type Server struct {
	usbs    *usb.Server
	devices *devices.Manager
	ln      net.Listener
	logger  *slog.Logger
	router  *Router
	config  ServerConfig
	key     []byte

	// ctx outlives single API connections; devices added over the API
	// run until it ends.
	ctx context.Context
	wg  sync.WaitGroup
}

var wsRegex = regexp.MustCompile(`\s`)

// New creates a new API server bound to a USB-IP server and the device
// manager that owns its devices.
func New(s *usb.Server, m *devices.Manager, config ServerConfig, logger *slog.Logger) (*Server, error) {
	a := &Server{
		usbs:    s,
		devices: m,
		logger:  logger,
		config:  config,
		router:  NewRouter(),
		ctx:     context.Background(),
	}
	if config.Password != "" {
		key, err := auth.DeriveKey(config.Password)
		if err != nil {
			return nil, err
		}
		a.key = key
	}
	return a, nil
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// USB returns the underlying USB server.
func (a *Server) USB() *usb.Server { return a.usbs }

// Devices returns the device manager.
func (a *Server) Devices() *devices.Manager { return a.devices }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Context is the lifetime of devices created through the API.
func (a *Server) Context() context.Context { return a.ctx }

// Addr is the bound listen address, valid after Start.
func (a *Server) Addr() net.Addr { return a.ln.Addr() }

// Start listens on the configured address and serves incoming API commands
// until ctx ends or Close is called.
func (a *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.ctx = ctx
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", a.key != nil)
	context.AfterFunc(ctx, a.Close)
	a.wg.Add(1)
	go a.serve()
	return nil
}

// Close stops the API server. Open streams end with their devices.
func (a *Server) Close() {
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

// Wait blocks until the accept loop has exited.
func (a *Server) Wait() { a.wg.Wait() }

func (a *Server) serve() {
	defer a.wg.Done()
	for {
		c, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		go a.handleConn(c)
	}
}

func (a *Server) writeError(w io.Writer, err error) {
	problemJSON, _ := json.Marshal(apierror.WrapError(err))
	fmt.Fprintf(w, "%s\n", string(problemJSON))
}

func (a *Server) writeOK(w io.Writer, rest string) {
	if rest == "" {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s\n", rest)
	}
}

// bufferedConn reads through r so bytes r has already buffered are not lost
// when the connection changes hands.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

// secure runs the password handshake when the client starts one, and
// refuses clients that must authenticate but did not.
func (a *Server) secure(conn net.Conn, logger *slog.Logger) (net.Conn, error) {
	r := bufio.NewReader(conn)
	var c net.Conn = &bufferedConn{Conn: conn, r: r}

	isAuth, err := auth.IsAuthHandshake(r)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if !isAuth {
		if a.key != nil && (a.config.RequireAuth || !isLoopback(conn.RemoteAddr())) {
			return c, apierror.ErrUnauthorized("authentication required")
		}
		return c, nil
	}
	if a.key == nil {
		return c, apierror.ErrBadRequest("authentication is not enabled on this server")
	}
	sess, err := auth.Server(r, conn, a.key)
	if err != nil {
		return c, err
	}
	logger.Debug("api client authenticated")
	return sess.ServerConn(c)
}

func (a *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(a.ctx)
	defer connCancel()

	connLogger := a.logger.With("remote", conn.RemoteAddr().String())

	c, err := a.secure(conn, connLogger)
	if err != nil {
		connLogger.Warn("api handshake failed", "error", err)
		if c != nil {
			a.writeError(conn, err)
		}
		return
	}
	r := bufio.NewReader(c)

	// Read until null terminator
	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")

	if reqData == "" {
		connLogger.Error("api empty command")
		a.writeError(c, apierror.ErrBadRequest("empty request"))
		return
	}

	// Split on first whitespace character
	loc := wsRegex.FindStringIndex(reqData)

	var path, payload string
	if loc != nil {
		path = reqData[:loc[0]]
		payload = reqData[loc[1]:]
	} else {
		path = reqData
	}

	if path == "" {
		connLogger.Error("api empty path")
		a.writeError(c, apierror.ErrBadRequest("empty path"))
		return
	}

	path = strings.ToLower(path)
	connLogger.Info("api cmd", "path", path)

	if h, params := a.router.Match(path); h != nil {
		req := &Request{Ctx: connCtx, Params: params, Payload: payload}
		res := &Response{}
		if err := h(req, res, connLogger); err != nil {
			connLogger.Error("api handler error", "path", path, "error", err)
			a.writeError(c, err)
			return
		}
		connLogger.Debug("api handler success", "path", path)
		a.writeOK(c, res.JSON)
		return
	} else if sh, params := a.router.MatchStream(path); sh != nil {
		connLogger.Info("api stream begin", "path", path)
		req := &Request{Ctx: connCtx, Params: params, Payload: payload}
		// Stream handler takes ownership of connection
		if err := sh(&bufferedConn{Conn: c, r: r}, req, connLogger); err != nil {
			connLogger.Error("api stream handler error", "path", path, "error", err)
			a.writeError(c, err)
		}
		connLogger.Info("api stream end", "path", path)
		return
	}
	connLogger.Error("api unknown path", "path", path)
	a.writeError(c, apierror.ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
}
