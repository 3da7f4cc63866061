// Package device manages the soldering devices a run can be driven on:
// the per-device lifecycle state machine with its background sampling
// loop, the simulated and hardware variants, and the registry tracking
// which device is selected.
package device

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/reflow-station/ovenctl/profile"
)

var (
	// ErrNotIdle is returned when starting a device that is already
	// running or cooling down.
	ErrNotIdle = errors.New("device: not idle")

	// ErrFaulted is returned when starting a device whose sampling loop
	// died on a hardware failure.
	ErrFaulted = errors.New("device: faulted")
)

// Actuator is the capability set a device variant must implement. The
// base Device never supplies these itself.
type Actuator interface {
	// StartDevice begins the soldering process on the real or simulated
	// hardware. For hardware this persists the controller's settings,
	// reinitializes them, pushes the profile and issues the start
	// command.
	StartDevice() error

	// StopDevice ends the soldering process and, for hardware, restores
	// the controller's pre-session settings.
	StopDevice() error

	// ReadTemperature returns the current oven temperature. It blocks
	// for the variant's poll latency and thereby paces the sampling
	// loop.
	ReadTemperature() (float64, error)

	// SetProfile transfers the profile to the device.
	SetProfile(p *profile.Profile) error
}

// resetter is implemented by variants that carry their own thermal
// state to clear on Reset.
type resetter interface {
	ResetDevice()
}

// Sample is one measured point of a run.
type Sample struct {
	Runtime     float64 `json:"time"`
	Temperature float64 `json:"temperature"`
}

// Snapshot is a consistent copy of the device state for the
// presentation layer.
type Snapshot struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Temperature       float64 `json:"temperature"`
	TargetTemperature float64 `json:"target_temperature"`
	Runtime           float64 `json:"runtime"`
	Running           bool    `json:"running"`
	RunOut            bool    `json:"run_out"`
	Faulted           bool    `json:"faulted"`
	Selected          bool    `json:"selected"`
	ProfileID         string  `json:"profile_id"`
}

// Config carries the device-level tunables.
type Config struct {
	// FollowUpTime is how long sampling continues after a run ends.
	FollowUpTime time.Duration

	// SimPollInterval paces the simulated sampling loop.
	SimPollInterval time.Duration

	// HardwarePollInterval paces the hardware sampling loop.
	HardwarePollInterval time.Duration

	// StorageDir holds the controller settings record.
	StorageDir string
}

// Device is one soldering device. Its sampling loop runs on a dedicated
// goroutine for the device's whole lifetime; all state shared with
// caller threads is guarded by one mutex.
type Device struct {
	id   string
	name string

	mu              sync.Mutex
	temperature     float64
	target          float64
	runtime         float64
	running         bool
	runOut          bool
	faulted         bool
	selected        bool
	samples         []Sample
	prof            *profile.Profile
	startTime       time.Time
	followRemaining time.Duration

	followUp time.Duration
	actuator Actuator
	closed   atomic.Bool
	logger   zerolog.Logger
}

func newDevice(id, name string, prof *profile.Profile, followUp time.Duration, logger zerolog.Logger) *Device {
	if followUp <= 0 {
		followUp = 30 * time.Second
	}
	return &Device{
		id:              id,
		name:            name,
		prof:            prof,
		followUp:        followUp,
		followRemaining: followUp,
		logger:          logger.With().Str("component", "device").Str("device", id).Logger(),
	}
}

// ID returns the registry-scoped device id.
func (d *Device) ID() string { return d.id }

// Name returns the display name.
func (d *Device) Name() string { return d.name }

// Temperature returns the most recently sampled oven temperature.
func (d *Device) Temperature() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.temperature
}

// Runtime returns the seconds since the run started, 0 when idle.
func (d *Device) Runtime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runtime
}

// Running reports whether a run is in progress.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// RunOut reports whether the device is in its post-run cool-down.
func (d *Device) RunOut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runOut
}

// Faulted reports whether the sampling loop died on a hardware failure.
func (d *Device) Faulted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faulted
}

// Selected reports whether this is the registry's selected device.
func (d *Device) Selected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

func (d *Device) setSelected(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selected = v
}

// Profile returns the profile the device is assigned.
func (d *Device) Profile() *profile.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prof
}

// Samples returns a copy of the points measured since the run started.
func (d *Device) Samples() []Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sample, len(d.samples))
	copy(out, d.samples)
	return out
}

// Snapshot copies the full device state under one lock acquisition.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:                d.id,
		Name:              d.name,
		Temperature:       d.temperature,
		TargetTemperature: d.target,
		Runtime:           d.runtime,
		Running:           d.running,
		RunOut:            d.runOut,
		Faulted:           d.faulted,
		Selected:          d.selected,
		ProfileID:         d.prof.ID,
	}
}

// Reset forces the device back to Idle and clears the run history.
// Selection and the assigned profile are untouched.
func (d *Device) Reset() {
	d.mu.Lock()
	d.temperature = 0
	d.target = 0
	d.runtime = 0
	d.running = false
	d.runOut = false
	d.samples = nil
	d.startTime = time.Time{}
	d.followRemaining = d.followUp
	d.mu.Unlock()

	if r, ok := d.actuator.(resetter); ok {
		r.ResetDevice()
	}
}

// Start begins a run: the measured-point history is cleared, the start
// timestamp recorded and the variant's StartDevice invoked. Only valid
// from Idle.
func (d *Device) Start() error {
	d.mu.Lock()
	if d.faulted {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFaulted, d.id)
	}
	if d.running || d.runOut {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIdle, d.id)
	}
	d.samples = nil
	d.startTime = time.Now()
	d.running = true
	d.runOut = false
	d.followRemaining = d.followUp
	d.mu.Unlock()

	if err := d.actuator.StartDevice(); err != nil {
		d.mu.Lock()
		d.running = false
		d.runtime = 0
		d.mu.Unlock()
		return fmt.Errorf("starting %s: %w", d.id, err)
	}
	d.logger.Info().Msg("run started")
	return nil
}

// Stop aborts the run. The device enters the run-out cool-down; the
// variant's StopDevice is invoked later, when the follow-up time has
// elapsed.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.runOut {
		d.running = false
		d.runOut = true
	}
}

// UpdateProfile reassigns the profile. The current run, if any, keeps
// the profile it started with on the hardware side.
func (d *Device) UpdateProfile(p *profile.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prof = p
}

// SetProfileOnDevice pushes the assigned profile to the variant.
func (d *Device) SetProfileOnDevice() error {
	return d.actuator.SetProfile(d.Profile())
}

// Close terminates the sampling loop. Used when a hardware device's
// backing port disappears; simulated devices live for the process.
func (d *Device) Close() {
	d.closed.Store(true)
}

// run is the sampling loop. One iteration per poll: ReadTemperature
// blocks for the variant's poll latency, so there is no separate timer.
func (d *Device) run() {
	var lastTemp float64
	var lastTick time.Time

	for !d.closed.Load() {
		temp, err := d.actuator.ReadTemperature()
		if err != nil {
			d.fault(err)
			return
		}
		now := time.Now()

		stopDevice := false
		d.mu.Lock()
		d.temperature = temp

		if d.running || d.runOut {
			d.runtime = math.Round(now.Sub(d.startTime).Seconds())
			if len(d.samples) == 0 && d.runtime > 0 {
				// first poll arrived late: backfill so the series
				// starts at the origin
				d.samples = append(d.samples, Sample{Runtime: 0, Temperature: lastTemp})
			}
			d.samples = append(d.samples, Sample{Runtime: d.runtime, Temperature: temp})
			d.target = d.prof.TargetTemperature(d.runtime)
		} else {
			d.runtime = 0
		}

		if d.runOut && d.followRemaining > 0 {
			if !lastTick.IsZero() {
				d.followRemaining -= now.Sub(lastTick)
			}
		} else if d.runOut {
			d.runOut = false
			d.running = false
			d.followRemaining = d.followUp
			stopDevice = true
		}

		if d.running && d.runtime >= d.prof.Duration() {
			// the run completed on schedule without an explicit stop
			d.running = false
			d.runOut = true
		}
		d.mu.Unlock()

		if stopDevice {
			if err := d.actuator.StopDevice(); err != nil {
				d.logger.Error().Err(err).Msg("stopping device failed")
			} else {
				d.logger.Info().Msg("run finished")
			}
		}

		lastTick = now
		lastTemp = temp
	}
}

// fault is the sampling loop's terminal failure path: the retry budget
// below is exhausted, so the device is parked in a visible Faulted
// state instead of dying silently. A best-effort hardware stop keeps
// the oven from heating unattended.
func (d *Device) fault(err error) {
	d.logger.Error().Err(err).Msg("temperature sampling failed, device faulted")

	d.mu.Lock()
	wasActive := d.running || d.runOut
	d.running = false
	d.runOut = false
	d.runtime = 0
	d.faulted = true
	d.mu.Unlock()

	if wasActive {
		if stopErr := d.actuator.StopDevice(); stopErr != nil {
			d.logger.Error().Err(stopErr).Msg("stopping faulted device failed")
		}
	}
}
