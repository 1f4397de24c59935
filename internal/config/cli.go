// Package config is the command line and configuration file surface.
package config

import "github.com/Alia5/usbfs/internal/cmd"

// Log configures the process logger and the raw USB-IP stream log.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USBFS_LOG_LEVEL"`
	File    string `help:"Also write the log to this file" env:"USBFS_LOG_FILE"`
	RawFile string `help:"Write a hexdump of every USB-IP stream to this file" env:"USBFS_LOG_RAW_FILE"`
}

// CLI is the root of the kong command tree. Config files map onto the
// same structure, so every flag can also be set there.
type CLI struct {
	Config string `help:"Configuration file (json, yaml or toml)" type:"path" env:"USBFS_CONFIG"`
	Log    Log    `embed:"" prefix:"log."`

	Server      cmd.Server         `cmd:"" help:"Export emulated USB devices over USB-IP"`
	Proxy       cmd.Proxy          `cmd:"" help:"Forward and log a USB-IP connection to another server"`
	Decode      cmd.DecodeCommand  `cmd:"" help:"Decode raw SETUP packets, buffer descriptors and STAT values"`
	Descriptors cmd.Descriptors    `cmd:"" help:"Print the descriptors a device profile presents"`
	ConfigCmd   cmd.ConfigCommand  `cmd:"" name:"config" help:"Configuration file helpers"`
	Service     cmd.ServiceCommand `cmd:"" help:"Manage the systemd service"`
}
