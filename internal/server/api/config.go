package api

// ServerConfig configures the management API.
type ServerConfig struct {
	Addr                  string `help:"Management API listen address; empty disables the API" default:"localhost:3243" env:"USBFS_API_ADDR"`
	AutoAttachLocalClient bool   `help:"Attach devices added through the API with the local usbip client" default:"false" env:"USBFS_API_AUTO_ATTACH_LOCAL_CLIENT"`
	RequireAuth           bool   `help:"Require the password handshake from loopback clients too" default:"false" env:"USBFS_API_REQUIRE_AUTH"`
	Password              string `kong:"-"`
}
