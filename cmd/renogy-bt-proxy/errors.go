package main

import (
	"errors"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err as a single line suitable for printing to
// stderr. When stdout is a terminal the message is colorized red; in a
// non-interactive context (piped output, CI) it is left plain so logs stay
// greppable.
func FormatUserError(err error) string {
	msg := err.Error()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return color.New(color.FgRed).Sprint(msg)
	}
	return msg
}
