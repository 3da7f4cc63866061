package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reflow-station/ovenctl/profile"
)

// reading is one scripted answer for the step actuator.
type reading struct {
	temp float64
	err  error
}

// stepActuator blocks the sampling loop until the test feeds it the
// next reading, so each loop iteration runs exactly when the test says.
type stepActuator struct {
	readings chan reading

	mu       sync.Mutex
	starts   int
	stops    int
	resets   int
	startErr error
	pushed   []*profile.Profile
}

func newStepActuator() *stepActuator {
	return &stepActuator{readings: make(chan reading, 8)}
}

func (a *stepActuator) ReadTemperature() (float64, error) {
	r, ok := <-a.readings
	if !ok {
		return 0, errors.New("reading source closed")
	}
	return r.temp, r.err
}

func (a *stepActuator) StartDevice() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.starts++
	return nil
}

func (a *stepActuator) StopDevice() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops++
	return nil
}

func (a *stepActuator) SetProfile(p *profile.Profile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushed = append(a.pushed, p)
	return nil
}

func (a *stepActuator) ResetDevice() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
}

func (a *stepActuator) stopCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stops
}

func shortProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.New("p1", "Short", []profile.Point{{Time: 1, Temperature: 100, Power: 50}})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func longProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.New("p2", "Long", []profile.Point{{Time: 600, Temperature: 200, Power: 50}})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestDevice(t *testing.T, prof *profile.Profile, followUp time.Duration) (*Device, *stepActuator) {
	t.Helper()
	act := newStepActuator()
	d := newDevice("test_1", "Test Device", prof, followUp, zerolog.Nop())
	d.actuator = act
	go d.run()
	t.Cleanup(func() {
		d.Close()
		close(act.readings)
	})
	return d, act
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIdleSampling(t *testing.T) {
	d, act := newTestDevice(t, longProfile(t), time.Minute)

	act.readings <- reading{temp: 25}
	waitFor(t, "temperature update", func() bool { return d.Temperature() == 25 })

	if d.Runtime() != 0 {
		t.Errorf("Runtime = %v, want 0 while idle", d.Runtime())
	}
	if len(d.Samples()) != 0 {
		t.Errorf("Samples = %v, want none while idle", d.Samples())
	}
	if d.Running() || d.RunOut() {
		t.Error("device should be idle")
	}
}

func TestRunLifecycle(t *testing.T) {
	d, act := newTestDevice(t, shortProfile(t), 100*time.Millisecond)

	// one idle reading so the backfill has a previous temperature
	act.readings <- reading{temp: 20}
	waitFor(t, "idle reading", func() bool { return d.Temperature() == 20 })

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !d.Running() {
		t.Fatal("device should be running")
	}

	// first in-run poll lands after the 1s profile already elapsed:
	// the loop backfills an origin sample and flips into run-out
	time.Sleep(600 * time.Millisecond)
	act.readings <- reading{temp: 100}
	waitFor(t, "auto run-out", func() bool { return d.RunOut() })

	samples := d.Samples()
	if len(samples) != 2 {
		t.Fatalf("samples = %v, want backfilled origin plus one reading", samples)
	}
	if samples[0] != (Sample{Runtime: 0, Temperature: 20}) {
		t.Errorf("backfill sample = %+v, want {0 20}", samples[0])
	}
	if samples[1].Runtime < 1 || samples[1].Temperature != 100 {
		t.Errorf("first reading sample = %+v", samples[1])
	}

	// follow-up countdown: the first tick arms it, the next one past
	// the follow-up time finishes the run and stops the hardware
	time.Sleep(150 * time.Millisecond)
	act.readings <- reading{temp: 90}
	time.Sleep(150 * time.Millisecond)
	act.readings <- reading{temp: 80}
	act.readings <- reading{temp: 70}
	waitFor(t, "run finished", func() bool { return !d.Running() && !d.RunOut() })
	waitFor(t, "hardware stop", func() bool { return act.stopCount() == 1 })

	// back at idle the runtime pins to zero again
	act.readings <- reading{temp: 60}
	waitFor(t, "idle runtime", func() bool { return d.Runtime() == 0 })
}

// TestSimulatedRunToCompletion drives a whole run on the simulator's
// own pacing instead of the step actuator: the poll sleep advances the
// runtime, the run flips to run-out when the profile ends and the
// follow-up countdown returns the device to idle.
func TestSimulatedRunToCompletion(t *testing.T) {
	p, err := profile.New("e2e", "Scaled", []profile.Point{
		{Time: 0.25, Temperature: 100, Power: 60},
		{Time: 0.5, Temperature: 150, Power: 70},
		{Time: 0.75, Temperature: 180, Power: 80},
		{Time: 1, Temperature: 90, Power: 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := NewSimulated("simulator_1", "Simulator", p, Config{
		FollowUpTime:    300 * time.Millisecond,
		SimPollInterval: 25 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(d.Close)

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "run-out", func() bool { return d.RunOut() })
	waitFor(t, "return to idle", func() bool { return !d.Running() && !d.RunOut() })

	samples := d.Samples()
	if len(samples) == 0 {
		t.Fatal("no samples recorded during the run")
	}
	if got := samples[len(samples)-1].Runtime; got < p.Duration() {
		t.Errorf("final sample runtime = %v, want at least the profile duration %v", got, p.Duration())
	}
	if d.Faulted() {
		t.Error("simulated run must not fault")
	}
}

func TestStopEntersRunOut(t *testing.T) {
	d, _ := newTestDevice(t, longProfile(t), time.Minute)

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.Stop()
	if d.Running() {
		t.Error("Stop should clear running")
	}
	if !d.RunOut() {
		t.Error("Stop should enter run-out")
	}

	// stopping an idle device is a no-op
	d2, _ := newTestDevice(t, longProfile(t), time.Minute)
	d2.Stop()
	if d2.RunOut() {
		t.Error("Stop on an idle device must not enter run-out")
	}
}

func TestStartGuards(t *testing.T) {
	d, _ := newTestDevice(t, longProfile(t), time.Minute)

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second Start = %v, want ErrNotIdle", err)
	}
	d.Stop()
	if err := d.Start(); !errors.Is(err, ErrNotIdle) {
		t.Errorf("Start during run-out = %v, want ErrNotIdle", err)
	}
}

func TestStartRevertsOnActuatorError(t *testing.T) {
	d, act := newTestDevice(t, longProfile(t), time.Minute)
	act.startErr = errors.New("controller busy")

	if err := d.Start(); err == nil {
		t.Fatal("Start should propagate the actuator error")
	}
	if d.Running() {
		t.Error("failed Start must leave the device idle")
	}

	act.startErr = nil
	if err := d.Start(); err != nil {
		t.Errorf("Start after recovery: %v", err)
	}
}

func TestSamplingFailureFaultsDevice(t *testing.T) {
	d, act := newTestDevice(t, longProfile(t), time.Minute)

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	act.readings <- reading{err: errors.New("read failed after 5 attempts")}
	waitFor(t, "fault", func() bool { return d.Faulted() })

	if d.Running() || d.RunOut() {
		t.Error("faulted device must not stay active")
	}
	if d.Runtime() != 0 {
		t.Errorf("Runtime = %v, want 0 after fault", d.Runtime())
	}
	// the oven was heating, so the fault path must try to stop it
	waitFor(t, "emergency stop", func() bool { return act.stopCount() == 1 })

	if err := d.Start(); !errors.Is(err, ErrFaulted) {
		t.Errorf("Start on faulted device = %v, want ErrFaulted", err)
	}

	snap := d.Snapshot()
	if !snap.Faulted {
		t.Error("snapshot must carry the faulted flag")
	}
}

func TestIdleSamplingFailureSkipsStop(t *testing.T) {
	d, act := newTestDevice(t, longProfile(t), time.Minute)

	act.readings <- reading{err: errors.New("read failed")}
	waitFor(t, "fault", func() bool { return d.Faulted() })

	if got := act.stopCount(); got != 0 {
		t.Errorf("stops = %d, want 0 for an idle fault", got)
	}
}

func TestReset(t *testing.T) {
	d, act := newTestDevice(t, shortProfile(t), time.Minute)

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(600 * time.Millisecond)
	act.readings <- reading{temp: 100}
	waitFor(t, "sample", func() bool { return len(d.Samples()) > 0 })

	d.Reset()
	if d.Running() || d.RunOut() {
		t.Error("Reset must return the device to idle")
	}
	if len(d.Samples()) != 0 {
		t.Error("Reset must clear the sample history")
	}
	if d.Runtime() != 0 || d.Temperature() != 0 {
		t.Error("Reset must clear runtime and temperature")
	}
	act.mu.Lock()
	resets := act.resets
	act.mu.Unlock()
	if resets != 1 {
		t.Errorf("actuator resets = %d, want 1", resets)
	}
}

func TestUpdateProfileAndPush(t *testing.T) {
	d, act := newTestDevice(t, longProfile(t), time.Minute)

	p := shortProfile(t)
	d.UpdateProfile(p)
	if d.Profile() != p {
		t.Error("UpdateProfile did not take")
	}
	if err := d.SetProfileOnDevice(); err != nil {
		t.Fatalf("SetProfileOnDevice: %v", err)
	}
	act.mu.Lock()
	defer act.mu.Unlock()
	if len(act.pushed) != 1 || act.pushed[0] != p {
		t.Errorf("pushed profiles = %v, want the updated one", act.pushed)
	}
}

func TestSnapshot(t *testing.T) {
	d, act := newTestDevice(t, longProfile(t), time.Minute)

	act.readings <- reading{temp: 42}
	waitFor(t, "temperature", func() bool { return d.Temperature() == 42 })

	snap := d.Snapshot()
	if snap.ID != "test_1" || snap.Name != "Test Device" {
		t.Errorf("snapshot identity = %q/%q", snap.ID, snap.Name)
	}
	if snap.Temperature != 42 {
		t.Errorf("snapshot temperature = %v, want 42", snap.Temperature)
	}
	if snap.ProfileID != "p2" {
		t.Errorf("snapshot profile = %q, want p2", snap.ProfileID)
	}
	if snap.Running || snap.RunOut || snap.Selected {
		t.Error("idle unselected snapshot has stray flags")
	}
}
