package device

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/reflow-station/ovenctl/profile"
	"github.com/reflow-station/ovenctl/v3pro"
)

// Hardware drives a physical V3 Pro reflow controller through its
// protocol client.
type Hardware struct {
	dev    *Device
	client *v3pro.Client
	poll   time.Duration
	logger zerolog.Logger
}

// NewHardware builds a hardware device around an established controller
// connection and starts its sampling loop.
func NewHardware(id, name string, prof *profile.Profile, client *v3pro.Client, cfg Config, logger zerolog.Logger) *Device {
	poll := cfg.HardwarePollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	d := newDevice(id, name, prof, cfg.FollowUpTime, logger)
	hw := &Hardware{
		dev:    d,
		client: client,
		poll:   poll,
		logger: d.logger,
	}
	d.actuator = hw
	go d.run()
	return d
}

// StartDevice persists the controller's pre-existing settings,
// reinitializes it for this system, pushes the profile and issues the
// hardware start command.
func (h *Hardware) StartDevice() error {
	if err := h.client.SaveInitialSettings(); err != nil {
		return err
	}
	if err := h.client.InitController(); err != nil {
		return err
	}
	if err := h.SetProfile(h.dev.Profile()); err != nil {
		return err
	}
	return h.client.Start()
}

// StopDevice issues the hardware stop command and restores the user's
// original controller settings.
func (h *Hardware) StopDevice() error {
	if err := h.client.Stop(); err != nil {
		return err
	}
	return h.client.WriteBackInitialSettings()
}

// ReadTemperature polls the controller at the hardware poll latency.
func (h *Hardware) ReadTemperature() (float64, error) {
	time.Sleep(h.poll)
	return h.client.Temperature()
}

// SetProfile pushes the profile's first four points onto the
// controller's phases (preheat, soak, reflow, dwell). Phase times are
// the deltas between consecutive profile points. The profile is only
// written while a run is active, after the user's settings have been
// persisted.
func (h *Hardware) SetProfile(p *profile.Profile) error {
	if !h.dev.Running() && !h.dev.RunOut() {
		return nil
	}

	points := p.Points()
	if len(points) > v3pro.NumPhases {
		h.logger.Warn().Int("points", len(points)).
			Msg("profile has more than 4 points, only the first 4 are written")
	} else if len(points) < v3pro.NumPhases {
		h.logger.Warn().Int("points", len(points)).
			Msg("profile has fewer than 4 points, remaining controller phases are left unchanged")
	}

	prevTime := 0.0
	for i := 0; i < len(points) && i < v3pro.NumPhases; i++ {
		ph := v3pro.Phase(i)
		pt := points[i]
		if err := h.client.SetPhaseTime(ph, int(pt.Time-prevTime)); err != nil {
			return err
		}
		if err := h.client.SetPhaseTemperature(ph, int(pt.Temperature)); err != nil {
			return err
		}
		if err := h.client.SetPhasePower(ph, int(pt.Power)); err != nil {
			return err
		}
		prevTime = pt.Time
	}
	h.logger.Info().Str("profile", p.ID).Msg("profile written to device")
	return nil
}

// Client exposes the protocol client, e.g. for the metrics endpoint.
func (h *Hardware) Client() *v3pro.Client { return h.client }
