package v3pro

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

const recordFile = "v3pro_initial_settings.json"

// settingsRecord is the on-disk state that lets a later process restore
// the user's controller settings even when this one crashes mid-run.
type settingsRecord struct {
	CleanShutdown bool     `json:"clean_shutdown"`
	Data          Settings `json:"data"`
}

func (c *Client) recordPath() string {
	return filepath.Join(c.storageDir, recordFile)
}

func readRecord(path string) (*settingsRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec settingsRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func writeRecord(path string, rec settingsRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding settings record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing settings record: %w", err)
	}
	return nil
}

// SaveInitialSettings captures the controller's pre-session settings so
// they can be restored on clean finish, surviving a crash in between.
//
// If the previous session wrote its record back cleanly, the settings
// currently on the controller are the user's own and are re-captured.
// If it did not, the controller may still hold this system's operating
// values, so the previously recorded settings are reused unchanged. A
// missing, empty or corrupt record counts as "no previous session".
func (c *Client) SaveInitialSettings() error {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()

	rec, err := readRecord(c.recordPath())
	if err == nil && !rec.CleanShutdown {
		c.initial = rec.Data
		c.logger.Info().Msg("previous session ended dirty, reusing recorded controller settings")
	} else {
		if err != nil && !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Msg("settings record unreadable, capturing fresh")
		}
		captured, capErr := c.captureSettings()
		if capErr != nil {
			return fmt.Errorf("capturing controller settings: %w", capErr)
		}
		c.initial = captured
	}

	if err := writeRecord(c.recordPath(), settingsRecord{CleanShutdown: false, Data: c.initial}); err != nil {
		return err
	}
	c.logger.Info().Msg("initial controller settings saved")
	return nil
}

// captureSettings reads every controller setting. The memory slot comes
// first: it decides which phase settings the remaining reads address.
func (c *Client) captureSettings() (Settings, error) {
	var s Settings
	var err error

	if s.MemorySlot, err = c.MemorySlot(); err != nil {
		return s, err
	}
	if s.TempUnit, err = c.TempUnit(); err != nil {
		return s, err
	}
	if s.Trace, err = c.Trace(); err != nil {
		return s, err
	}
	if s.TempTrace, err = c.TempTrace(); err != nil {
		return s, err
	}
	if s.Debug, err = c.Debug(); err != nil {
		return s, err
	}
	if s.BackgroundLight, err = c.BackgroundLight(); err != nil {
		return s, err
	}
	if s.AutoExtend, err = c.AutoExtend(); err != nil {
		return s, err
	}

	phaseTemps := [NumPhases]*int{&s.PreheatTemp, &s.SoakTemp, &s.ReflowTemp, &s.DwellTemp}
	phaseTimes := [NumPhases]*int{&s.PreheatTime, &s.SoakTime, &s.ReflowTime, &s.DwellTime}
	phasePowers := [NumPhases]*int{&s.PreheatPower, &s.SoakPower, &s.ReflowPower, &s.DwellPower}
	for p := PhasePreheat; p <= PhaseDwell; p++ {
		if *phaseTemps[p], err = c.PhaseTemperature(p); err != nil {
			return s, err
		}
		if *phaseTimes[p], err = c.PhaseTime(p); err != nil {
			return s, err
		}
		if *phasePowers[p], err = c.PhasePower(p); err != nil {
			return s, err
		}
	}
	return s, nil
}

// WriteBackInitialSettings restores the captured settings on the
// controller and marks the record clean. The memory slot is written
// last: switching slots changes which settings are addressable, so all
// other values must land before it.
func (c *Client) WriteBackInitialSettings() error {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()
	s := c.initial

	if err := c.SetTempUnit(s.TempUnit); err != nil {
		return err
	}
	if err := c.SetTrace(s.Trace); err != nil {
		return err
	}
	if err := c.SetTempTrace(s.TempTrace); err != nil {
		return err
	}
	if err := c.SetDebug(s.Debug); err != nil {
		return err
	}
	if err := c.SetBackgroundLight(s.BackgroundLight); err != nil {
		return err
	}
	if err := c.SetAutoExtend(s.AutoExtend); err != nil {
		return err
	}

	phaseTemps := [NumPhases]int{s.PreheatTemp, s.SoakTemp, s.ReflowTemp, s.DwellTemp}
	phaseTimes := [NumPhases]int{s.PreheatTime, s.SoakTime, s.ReflowTime, s.DwellTime}
	phasePowers := [NumPhases]int{s.PreheatPower, s.SoakPower, s.ReflowPower, s.DwellPower}
	for p := PhasePreheat; p <= PhaseDwell; p++ {
		if err := c.SetPhaseTemperature(p, phaseTemps[p]); err != nil {
			return err
		}
		if err := c.SetPhaseTime(p, phaseTimes[p]); err != nil {
			return err
		}
		if err := c.SetPhasePower(p, phasePowers[p]); err != nil {
			return err
		}
	}

	if err := c.SetMemorySlot(s.MemorySlot); err != nil {
		return err
	}

	if err := writeRecord(c.recordPath(), settingsRecord{CleanShutdown: true, Data: s}); err != nil {
		return err
	}
	c.logger.Info().Msg("initial settings written back to the controller")
	return nil
}

// InitialSettings returns the settings captured at session start.
func (c *Client) InitialSettings() Settings {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()
	return c.initial
}
