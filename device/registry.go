package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reflow-station/ovenctl/hotplug"
	"github.com/reflow-station/ovenctl/profile"
	"github.com/reflow-station/ovenctl/v3pro"
)

// ErrUnknownDevice is returned by Select for ids the registry does not
// hold. The previous selection stays in effect.
var ErrUnknownDevice = errors.New("unknown device id")

// portWatcher is the slice of the hotplug daemon the registry needs.
type portWatcher interface {
	Stop()
}

// test seams
var (
	newDaemon = func(cb hotplug.Callbacks, logger zerolog.Logger) portWatcher {
		return hotplug.New(cb, logger)
	}
	connectClient = func(portName, storageDir string, logger zerolog.Logger) (*v3pro.Client, error) {
		return v3pro.Connect(portName, storageDir, logger)
	}
)

type hardwareEntry struct {
	dev    *Device
	client *v3pro.Client
}

// Registry owns every device in the system. It always holds at least
// the built-in simulator, adds a hardware device per compatible serial
// port the hotplug daemon reports, and tracks which device is selected.
type Registry struct {
	cfg     Config
	profile func() *profile.Profile
	logger  zerolog.Logger

	mu       sync.Mutex
	devices  []*Device
	hardware map[string]hardwareEntry
	selected *Device
	nextID   map[string]int

	daemon portWatcher
}

// NewRegistry builds the registry, creates and selects the simulator,
// and starts the hotplug daemon. It blocks until the daemon's initial
// port census has been processed, so devices plugged in before startup
// are already listed when this returns. currentProfile supplies the
// profile for newly created devices.
func NewRegistry(cfg Config, currentProfile func() *profile.Profile, logger zerolog.Logger) *Registry {
	r := &Registry{
		cfg:      cfg,
		profile:  currentProfile,
		logger:   logger.With().Str("component", "registry").Logger(),
		hardware: make(map[string]hardwareEntry),
		nextID:   make(map[string]int),
	}

	sim := NewSimulated(r.allocateID("simulator"), "Simulator", currentProfile(), cfg, logger)
	sim.setSelected(true)
	r.devices = append(r.devices, sim)
	r.selected = sim

	ready := make(chan struct{})
	r.daemon = newDaemon(hotplug.Callbacks{
		OnAdded:   r.portsAdded,
		OnRemoved: r.portsRemoved,
		OnReady:   func() { close(ready) },
	}, logger)
	<-ready

	return r
}

// allocateID hands out per-class sequential ids: simulator_1, v3pro_1,
// v3pro_2 and so on. Caller must not hold r.mu during construction; the
// registry is single-threaded until the daemon starts.
func (r *Registry) allocateID(class string) string {
	r.nextID[class]++
	return fmt.Sprintf("%s_%d", class, r.nextID[class])
}

// portsAdded probes each new serial port for a V3 Pro controller and
// registers a hardware device for each match. Ports that do not answer
// the protocol are ignored; other USB serial hardware coming and going
// is expected traffic, not an error.
func (r *Registry) portsAdded(ports []string) {
	for _, port := range ports {
		if !v3pro.IsPortCandidate(port) {
			continue
		}
		r.mu.Lock()
		_, exists := r.hardware[port]
		r.mu.Unlock()
		if exists {
			continue
		}

		client, err := connectClient(port, r.cfg.StorageDir, r.logger)
		if err != nil {
			if errors.Is(err, v3pro.ErrNotCompatible) {
				r.logger.Debug().Str("port", port).Msg("port is not a reflow controller")
			} else {
				r.logger.Warn().Err(err).Str("port", port).Msg("probing port failed")
			}
			continue
		}

		r.mu.Lock()
		id := r.allocateID("v3pro")
		dev := NewHardware(id, fmt.Sprintf("V3 Pro (%s)", port), r.profile(), client, r.cfg, r.logger)
		r.devices = append(r.devices, dev)
		r.hardware[port] = hardwareEntry{dev: dev, client: client}
		r.mu.Unlock()

		r.logger.Info().Str("port", port).Str("device", id).Msg("reflow controller attached")
	}
}

// portsRemoved drops the hardware devices whose ports disappeared. If
// the selected device goes away, selection falls back to the simulator.
func (r *Registry) portsRemoved(ports []string) {
	for _, port := range ports {
		r.mu.Lock()
		entry, ok := r.hardware[port]
		if !ok {
			r.mu.Unlock()
			continue
		}
		delete(r.hardware, port)
		for i, d := range r.devices {
			if d == entry.dev {
				r.devices = append(r.devices[:i], r.devices[i+1:]...)
				break
			}
		}
		reselect := entry.dev.Selected()
		if reselect {
			entry.dev.setSelected(false)
			sim := r.devices[0]
			sim.setSelected(true)
			r.selected = sim
		}
		r.mu.Unlock()

		entry.dev.Close()
		if entry.client != nil {
			if err := entry.client.Close(); err != nil {
				r.logger.Debug().Err(err).Str("port", port).Msg("closing detached client")
			}
		}
		r.logger.Info().Str("port", port).Str("device", entry.dev.ID()).Msg("reflow controller detached")
		if reselect {
			r.logger.Info().Msg("selected device detached, falling back to simulator")
		}
	}
}

// Devices returns the current device list, simulator first.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Get returns the device with the given id, or nil.
func (r *Registry) Get(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.ID() == id {
			return d
		}
	}
	return nil
}

// Selected returns the currently selected device. There is always one.
func (r *Registry) Selected() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// Select makes the device with the given id the selected one. Unknown
// ids are rejected and the previous selection stays in effect.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.ID() == id {
			if d != r.selected {
				r.selected.setSelected(false)
				d.setSelected(true)
				r.selected = d
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
}

// ClientFor returns the protocol client backing a hardware device, or
// nil for the simulator and unknown ids.
func (r *Registry) ClientFor(id string) *v3pro.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.hardware {
		if entry.dev.ID() == id {
			return entry.client
		}
	}
	return nil
}

// Close stops the hotplug daemon and shuts down every device. Hardware
// clients are closed after their sampling loops are told to stop.
func (r *Registry) Close() error {
	r.daemon.Stop()

	r.mu.Lock()
	devices := r.devices
	r.devices = nil
	hardware := r.hardware
	r.hardware = make(map[string]hardwareEntry)
	r.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
	var errs []error
	for port, entry := range hardware {
		if entry.client == nil {
			continue
		}
		if err := entry.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", port, err))
		}
	}
	return errors.Join(errs...)
}
