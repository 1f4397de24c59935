//go:build windows

// Package util holds platform glue for how the binary was launched.
package util

import (
	"log/slog"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	user32               = windows.NewLazySystemDLL("user32.dll")
	procGetConsoleWindow = kernel32.NewProc("GetConsoleWindow")
	procShowWindow       = user32.NewProc("ShowWindow")
	procFreeConsole      = kernel32.NewProc("FreeConsole")
)

var cliParents = map[string]bool{
	"cmd.exe":             true,
	"powershell.exe":      true,
	"pwsh.exe":            true,
	"wt.exe":              true,
	"conhost.exe":         true,
	"windowsterminal.exe": true,
}

// IsRunFromGUI reports whether the server was started by double-click
// rather than from a shell.
func IsRunFromGUI(logger *slog.Logger) bool {
	hwnd, _, _ := procGetConsoleWindow.Call()
	if hwnd == 0 {
		return true
	}
	parent := strings.ToLower(parentProcessName())
	logger.Debug("Parent process", "name", parent)
	if cliParents[parent] {
		return false
	}
	return parent == "explorer.exe"
}

// HideConsoleWindow detaches from the console so a double-clicked server
// keeps running in the background.
func HideConsoleWindow(logger *slog.Logger) {
	hwnd, _, _ := procGetConsoleWindow.Call()
	if hwnd == 0 {
		logger.Debug("No console window to hide")
		return
	}
	_, _, _ = procShowWindow.Call(hwnd, windows.SW_HIDE)
	_, _, _ = procFreeConsole.Call()
}

func parentProcessName() string {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return ""
	}
	defer windows.CloseHandle(snapshot)

	names := map[uint32]string{}
	var parentPID uint32
	self := uint32(os.Getpid())

	var pe windows.ProcessEntry32
	pe.Size = uint32(unsafe.Sizeof(pe))
	for err := windows.Process32First(snapshot, &pe); err == nil; err = windows.Process32Next(snapshot, &pe) {
		names[pe.ProcessID] = windows.UTF16ToString(pe.ExeFile[:])
		if pe.ProcessID == self {
			parentPID = pe.ParentProcessID
		}
	}
	if parentPID == 0 {
		return ""
	}
	return names[parentPID]
}
