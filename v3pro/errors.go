package v3pro

import "errors"

var (
	// ErrNotConnected is returned when an operation runs against a
	// closed or never-opened client.
	ErrNotConnected = errors.New("v3pro: not connected")

	// ErrTransport marks a write/read exchange that did not complete,
	// or a logical operation that exhausted its retry budget.
	ErrTransport = errors.New("v3pro: transport failure")

	// ErrProtocol marks a response that parsed but echoed an unexpected
	// or out-of-range value. Retried the same way as ErrTransport.
	ErrProtocol = errors.New("v3pro: protocol violation")

	// ErrCommandRejected marks a response carrying the controller's
	// "not found" / unrecognized-command banner.
	ErrCommandRejected = errors.New("v3pro: command not recognized by controller")

	// ErrNotCompatible is returned by Connect when the probed port does
	// not acknowledge the stop command like a V3 Pro controller.
	ErrNotCompatible = errors.New("v3pro: device is not a V3 Pro controller")
)
