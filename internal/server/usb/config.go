package usb

import "time"

// ServerConfig represents the server subcommand configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"USBFS_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
	// RetryInterval paces NAKed tokens, e.g. an interrupt IN URB waiting
	// for data.
	RetryInterval  time.Duration `help:"Pause between retries of NAKed tokens" default:"250us" env:"USBFS_USB_RETRY_INTERVAL"`
	ControlTimeout time.Duration `help:"Deadline for control transfers; 0 to disable" default:"5s" env:"USBFS_USB_CONTROL_TIMEOUT"`
	FrameInterval  time.Duration `help:"Start-of-frame period while a device is imported; 0 to disable" default:"1ms" env:"USBFS_USB_FRAME_INTERVAL"`
}
