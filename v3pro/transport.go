package v3pro

import (
	"strings"
	"time"

	gobug "go.bug.st/serial"
)

// portHandle abstracts the subset of go.bug.st/serial.Port used by this
// package so tests can substitute a scripted mock.
type portHandle interface {
	SetReadTimeout(timeout time.Duration) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
}

// allow tests to override external dependencies
var openPort = func(name string, mode *gobug.Mode) (portHandle, error) { return gobug.Open(name, mode) }

// The V3 Pro talks 9600 8N1 over its USB serial bridge.
var controllerMode = &gobug.Mode{
	BaudRate: 9600,
	DataBits: 8,
	Parity:   gobug.NoParity,
	StopBits: gobug.OneStopBit,
}

// readTimeout bounds a single read. The controller terminates every
// response with a blank line, and a timed-out read is treated the same
// way, so this also bounds how long an exchange waits for a silent
// controller.
const readTimeout = 500 * time.Millisecond

// IsPortCandidate reports whether a port name looks like a serial
// device worth probing. Hot-plug discovery uses this to skip obvious
// non-ports before opening anything.
func IsPortCandidate(portName string) bool {
	if strings.Contains(portName, "..") {
		return false
	}
	// Windows: COM1-COM999 (must have at least one digit after COM)
	if strings.HasPrefix(portName, "COM") && len(portName) >= 4 && len(portName) <= 6 {
		return true
	}
	// Unix/Linux: /dev/tty* or /dev/cu* (macOS)
	if strings.HasPrefix(portName, "/dev/tty") || strings.HasPrefix(portName, "/dev/cu") {
		return true
	}
	return false
}
