package device

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reflow-station/ovenctl/profile"
)

// roomTemperature is the ambient temperature the simulation settles at.
const roomTemperature = 21.0

// Simulator emulates a reflow oven with a bounded random walk toward
// the profile's target temperature a few seconds ahead, approximating
// thermal lag. When no run is active the temperature decays back to
// room temperature.
type Simulator struct {
	dev  *Device
	poll time.Duration

	mu   sync.Mutex
	temp float64
	rng  *rand.Rand
}

// NewSimulated builds a simulated device and starts its sampling loop.
func NewSimulated(id, name string, prof *profile.Profile, cfg Config, logger zerolog.Logger) *Device {
	poll := cfg.SimPollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	d := newDevice(id, name, prof, cfg.FollowUpTime, logger)
	sim := &Simulator{
		dev:  d,
		poll: poll,
		temp: roomTemperature,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	d.actuator = sim
	d.temperature = roomTemperature
	go d.run()
	return d
}

// StartDevice is a no-op: there is no hardware to prepare.
func (s *Simulator) StartDevice() error { return nil }

// StopDevice is a no-op.
func (s *Simulator) StopDevice() error { return nil }

// SetProfile is a no-op: the simulation reads the profile live.
func (s *Simulator) SetProfile(_ *profile.Profile) error { return nil }

// ResetDevice drops the walk back to room temperature.
func (s *Simulator) ResetDevice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temp = roomTemperature
}

// ReadTemperature sleeps for the poll interval and advances the walk.
// The target is looked up one poll interval ahead so the simulated oven
// lags its setpoint like a real one.
func (s *Simulator) ReadTemperature() (float64, error) {
	target := s.dev.Profile().TargetTemperature(s.dev.Runtime() + s.poll.Seconds())
	time.Sleep(s.poll)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev.Running() {
		switch {
		case target > s.temp:
			s.temp += 5 + float64(s.rng.Intn(2))
		case s.temp > target && s.temp > roomTemperature+2:
			s.temp -= 1 + float64(s.rng.Intn(2))
		default:
			s.temp = roomTemperature
		}
	} else if s.temp > roomTemperature+2 {
		s.temp -= 1 + float64(s.rng.Intn(2))
	} else {
		s.temp = roomTemperature
	}
	return s.temp, nil
}
