// Package hotplug watches the USB subsystem and reconciles the set of
// connected serial ports against it. OS-specific backends only enqueue
// generic rescan tokens; the daemon itself is platform-agnostic.
package hotplug

import (
	"time"

	"github.com/rs/zerolog"
	gobug "go.bug.st/serial"
	"go.uber.org/atomic"
)

// allow tests to override external dependencies
var getPortsList = gobug.GetPortsList

// Callbacks are invoked from the daemon's worker goroutine.
type Callbacks struct {
	// OnAdded receives ports that appeared since the last rescan.
	OnAdded func(ports []string)

	// OnRemoved receives ports that disappeared since the last rescan.
	OnRemoved func(ports []string)

	// OnReady fires exactly once, after the first rescan completed.
	OnReady func()
}

type options struct {
	debounce     time.Duration
	pollInterval time.Duration
	listPorts    func() ([]string, error)
}

// Daemon drains a FIFO queue of USB events on one worker goroutine.
// Each event triggers a debounced rescan of the visible serial ports.
type Daemon struct {
	events chan struct{}
	stop   chan struct{}
	known  []string
	cb     Callbacks
	ready  atomic.Bool
	opts   options
	logger zerolog.Logger

	stopWatcher func()
}

// New starts the daemon. The initial rescan is queued immediately, so
// OnReady fires once the first device census is complete.
func New(cb Callbacks, logger zerolog.Logger) *Daemon {
	return newDaemon(cb, options{}, logger, true)
}

func newDaemon(cb Callbacks, opts options, logger zerolog.Logger, watch bool) *Daemon {
	if opts.debounce <= 0 {
		opts.debounce = 500 * time.Millisecond
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = 2 * time.Second
	}
	if opts.listPorts == nil {
		opts.listPorts = getPortsList
	}
	d := &Daemon{
		events: make(chan struct{}, 32),
		stop:   make(chan struct{}),
		cb:     cb,
		opts:   opts,
		logger: logger.With().Str("component", "hotplug").Logger(),
	}
	d.enqueue()
	go d.worker()
	if watch {
		d.startWatcher()
	}
	return d
}

// enqueue pushes a rescan token. A full queue means a rescan is already
// pending, so the token can be dropped.
func (d *Daemon) enqueue() {
	select {
	case d.events <- struct{}{}:
	default:
	}
}

// Stop terminates the worker and the OS watcher. Pending callbacks may
// still run before the worker observes the stop.
func (d *Daemon) Stop() {
	close(d.stop)
	if d.stopWatcher != nil {
		d.stopWatcher()
	}
}

func (d *Daemon) worker() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.events:
			d.rescan()
			d.signalReady()
		}
	}
}

// rescan diffs the currently visible serial ports against the known
// set and reports removals before additions, preserving port order.
func (d *Daemon) rescan() {
	// a single physical plug action produces a burst of events; let the
	// OS finish initializing before taking the census
	time.Sleep(d.opts.debounce)

	ports, err := d.opts.listPorts()
	if err != nil {
		d.logger.Warn().Err(err).Msg("listing serial ports failed")
		return
	}

	var removed, kept, added []string
	for _, p := range d.known {
		if contains(ports, p) {
			kept = append(kept, p)
		} else {
			removed = append(removed, p)
		}
	}
	for _, p := range ports {
		if !contains(d.known, p) {
			added = append(added, p)
		}
	}
	d.known = append(kept, added...)

	if len(removed) > 0 {
		d.logger.Info().Strs("ports", removed).Msg("serial ports removed")
		if d.cb.OnRemoved != nil {
			d.cb.OnRemoved(removed)
		}
	}
	if len(added) > 0 {
		d.logger.Info().Strs("ports", added).Msg("serial ports added")
		if d.cb.OnAdded != nil {
			d.cb.OnAdded(added)
		}
	}
}

func (d *Daemon) signalReady() {
	if d.ready.CompareAndSwap(false, true) && d.cb.OnReady != nil {
		d.cb.OnReady()
	}
}

// pollWatcher is the backend for platforms without a native USB event
// source: it watches the port census and enqueues a token on change.
func (d *Daemon) pollWatcher() {
	ticker := time.NewTicker(d.opts.pollInterval)
	defer ticker.Stop()

	var last []string
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			ports, err := d.opts.listPorts()
			if err != nil {
				continue
			}
			if !equal(ports, last) {
				last = ports
				d.enqueue()
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
