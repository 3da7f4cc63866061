package v3pro

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase identifies one of the controller's four soldering phases.
type Phase int

const (
	PhasePreheat Phase = iota
	PhaseSoak
	PhaseReflow
	PhaseDwell
)

// NumPhases is how many soldering phases the controller supports.
const NumPhases = 4

// cmd is the command prefix the controller uses for this phase.
func (p Phase) cmd() string {
	return [...]string{"pht", "soak", "reflow", "dwell"}[p]
}

func (p Phase) String() string {
	return [...]string{"preheat", "soak", "reflow", "dwell"}[p]
}

// optInt and optString are shadow-cache slots with an explicit unset
// marker. A genuinely-zero setting must stay distinguishable from an
// unknown one, so presence is never inferred from the value itself.
type optInt struct {
	value int
	ok    bool
}

type optString struct {
	value string
	ok    bool
}

// shadow mirrors the controller settings read or written during this
// session, avoiding redundant round trips.
type shadow struct {
	memorySlot      optInt
	tempUnit        optString
	trace           optString
	tempTrace       optString
	debug           optString
	backgroundLight optInt
	autoExtend      optString

	phaseTemp  [NumPhases]optInt
	phaseTime  [NumPhases]optInt
	phasePower [NumPhases]optInt
}

// Settings is a full snapshot of the controller configuration, in the
// shape persisted to the settings record.
type Settings struct {
	MemorySlot      int    `json:"memory_slot"`
	TempUnit        string `json:"temp_unit"`
	Trace           string `json:"trace"`
	TempTrace       string `json:"temp_trace"`
	Debug           string `json:"debug"`
	BackgroundLight int    `json:"background_light"`
	AutoExtend      string `json:"auto_extend"`

	PreheatTemp  int `json:"preheat_temp"`
	PreheatTime  int `json:"preheat_time"`
	PreheatPower int `json:"preheat_pwr"`
	SoakTemp     int `json:"soak_temp"`
	SoakTime     int `json:"soak_time"`
	SoakPower    int `json:"soak_pwr"`
	ReflowTemp   int `json:"reflow_temp"`
	ReflowTime   int `json:"reflow_time"`
	ReflowPower  int `json:"reflow_pwr"`
	DwellTemp    int `json:"dwell_temp"`
	DwellTime    int `json:"dwell_time"`
	DwellPower   int `json:"dwell_pwr"`
}

const (
	on  = "ON"
	off = "OFF"
)

// lastField extracts the trailing whitespace-separated field of a
// response line, e.g. "settings 4" -> "4".
func lastField(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty response line", ErrProtocol)
	}
	return fields[len(fields)-1], nil
}

// field extracts the idx-th whitespace-separated field of a line.
func field(line string, idx int) (string, error) {
	fields := strings.Fields(line)
	if idx >= len(fields) {
		return "", fmt.Errorf("%w: malformed response %q", ErrProtocol, line)
	}
	return fields[idx], nil
}

func echoLine(lines []string) (string, error) {
	// line 0 is the command echo, line 1 carries the value
	if len(lines) < 2 {
		return "", fmt.Errorf("%w: short response", ErrProtocol)
	}
	return lines[1], nil
}

// getIntSetting reads an integer setting, consulting the shadow first.
func (c *Client) getIntSetting(name, cmd string, slot *optInt, parse func([]string) (int, error)) (int, error) {
	c.shadowMu.Lock()
	if slot.ok {
		v := slot.value
		c.shadowMu.Unlock()
		return v, nil
	}
	c.shadowMu.Unlock()

	var got int
	err := c.withRetry("read "+name, func() error {
		lines, err := c.exchange(cmd)
		if err != nil {
			return err
		}
		v, err := parse(lines)
		if err != nil {
			return err
		}
		got = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.shadowMu.Lock()
	*slot = optInt{value: got, ok: true}
	c.shadowMu.Unlock()
	return got, nil
}

// setIntSetting writes an integer setting: the shadow is cleared before
// the exchange and only repopulated once the controller echoes the
// requested value back.
func (c *Client) setIntSetting(name, cmd string, slot *optInt, value int, parse func([]string) (int, error)) error {
	c.shadowMu.Lock()
	if slot.ok && slot.value == value {
		c.shadowMu.Unlock()
		return nil
	}
	*slot = optInt{}
	c.shadowMu.Unlock()

	err := c.withRetry("write "+name, func() error {
		lines, err := c.exchange(cmd + " " + strconv.Itoa(value))
		if err != nil {
			return err
		}
		echoed, err := parse(lines)
		if err != nil {
			return err
		}
		if echoed != value {
			return fmt.Errorf("%w: %s echoed %d, requested %d", ErrProtocol, name, echoed, value)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.shadowMu.Lock()
	*slot = optInt{value: value, ok: true}
	c.shadowMu.Unlock()
	return nil
}

// getStringSetting reads a string setting, consulting the shadow first.
func (c *Client) getStringSetting(name, cmd string, slot *optString, parse func([]string) (string, error)) (string, error) {
	c.shadowMu.Lock()
	if slot.ok {
		v := slot.value
		c.shadowMu.Unlock()
		return v, nil
	}
	c.shadowMu.Unlock()

	var got string
	err := c.withRetry("read "+name, func() error {
		lines, err := c.exchange(cmd)
		if err != nil {
			return err
		}
		v, err := parse(lines)
		if err != nil {
			return err
		}
		got = v
		return nil
	})
	if err != nil {
		return "", err
	}
	c.shadowMu.Lock()
	*slot = optString{value: got, ok: true}
	c.shadowMu.Unlock()
	return got, nil
}

func (c *Client) setStringSetting(name, wireCmd string, slot *optString, value string, parse func([]string) (string, error)) error {
	c.shadowMu.Lock()
	if slot.ok && slot.value == value {
		c.shadowMu.Unlock()
		return nil
	}
	*slot = optString{}
	c.shadowMu.Unlock()

	err := c.withRetry("write "+name, func() error {
		lines, err := c.exchange(wireCmd)
		if err != nil {
			return err
		}
		echoed, err := parse(lines)
		if err != nil {
			return err
		}
		if echoed != value {
			return fmt.Errorf("%w: %s echoed %q, requested %q", ErrProtocol, name, echoed, value)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.shadowMu.Lock()
	*slot = optString{value: value, ok: true}
	c.shadowMu.Unlock()
	return nil
}

// parseToggle validates an ON/OFF value from the given field index.
func parseToggle(idx int) func([]string) (string, error) {
	return func(lines []string) (string, error) {
		line, err := echoLine(lines)
		if err != nil {
			return "", err
		}
		v, err := field(line, idx)
		if err != nil {
			return "", err
		}
		if v != on && v != off {
			return "", fmt.Errorf("%w: unexpected toggle value %q", ErrProtocol, v)
		}
		return v, nil
	}
}

func parseBoundedInt(lo, hi int) func([]string) (int, error) {
	return func(lines []string) (int, error) {
		line, err := echoLine(lines)
		if err != nil {
			return 0, err
		}
		raw, err := lastField(line)
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed integer %q", ErrProtocol, line)
		}
		if v < lo || v > hi {
			return 0, fmt.Errorf("%w: value %d outside %d..%d", ErrProtocol, v, lo, hi)
		}
		return v, nil
	}
}

// normalizeToggle maps 0/1 shorthands and lowercase input to ON/OFF.
// The empty string means the caller passed something unusable.
func normalizeToggle(value string) string {
	switch strings.ToUpper(value) {
	case "0", off:
		return off
	case "1", on:
		return on
	default:
		return ""
	}
}

// setToggle writes an ON/OFF setting, translating to the controller's
// "cmd 0" / "cmd 1" wire form. Unusable values are logged and skipped.
func (c *Client) setToggle(name, cmd string, slot *optString, value string, parse func([]string) (string, error)) error {
	norm := normalizeToggle(value)
	if norm == "" {
		c.metrics.ValidationRejections.Add(1)
		c.logger.Warn().Str("setting", name).Str("value", value).Msg("use ON or OFF, setting skipped")
		return nil
	}
	wire := cmd + " 0"
	if norm == on {
		wire = cmd + " 1"
	}
	return c.setStringSetting(name, wire, slot, norm, parse)
}

// MemorySlot returns the active settings memory slot (0..4). The slot
// determines which phase settings are addressable, so it is captured
// first and restored last.
func (c *Client) MemorySlot() (int, error) {
	return c.getIntSetting("memory slot", "settings", &c.shadow.memorySlot, parseBoundedInt(0, 4))
}

// SetMemorySlot selects the settings memory slot, clamping to the last
// slot the hardware has.
func (c *Client) SetMemorySlot(value int) error {
	if value > 4 {
		c.logger.Warn().Int("value", value).Msg("memory slot beyond last slot, clamped to 4")
		value = 4
	}
	return c.setIntSetting("memory slot", "settings", &c.shadow.memorySlot, value, parseBoundedInt(0, 4))
}

// TempUnit returns the controller's temperature unit, "C" or "F".
func (c *Client) TempUnit() (string, error) {
	return c.getStringSetting("temperature unit", "tempUnit", &c.shadow.tempUnit, parseUnit)
}

// SetTempUnit sets the temperature unit to "C" or "F".
func (c *Client) SetTempUnit(value string) error {
	value = strings.ToUpper(value)
	if value != "C" && value != "F" {
		c.metrics.ValidationRejections.Add(1)
		c.logger.Warn().Str("value", value).Msg("temperature unit must be C or F, setting skipped")
		return nil
	}
	return c.setStringSetting("temperature unit", "tempUnit "+value, &c.shadow.tempUnit, value, parseUnit)
}

func parseUnit(lines []string) (string, error) {
	line, err := echoLine(lines)
	if err != nil {
		return "", err
	}
	v, err := lastField(line)
	if err != nil {
		return "", err
	}
	if v != "C" && v != "F" {
		return "", fmt.Errorf("%w: unexpected temperature unit %q", ErrProtocol, v)
	}
	return v, nil
}

// Trace returns the serial trace setting.
func (c *Client) Trace() (string, error) {
	return c.getStringSetting("trace", "trace", &c.shadow.trace, parseToggle(1))
}

// SetTrace switches the serial trace on or off.
func (c *Client) SetTrace(value string) error {
	return c.setToggle("trace", "trace", &c.shadow.trace, value, parseToggle(1))
}

// TempTrace returns the periodic temperature trace setting.
func (c *Client) TempTrace() (string, error) {
	return c.getStringSetting("temptrace", "temptrace", &c.shadow.tempTrace, parseToggle(2))
}

// SetTempTrace switches the periodic temperature trace on or off.
func (c *Client) SetTempTrace(value string) error {
	return c.setToggle("temptrace", "temptrace", &c.shadow.tempTrace, value, parseToggle(2))
}

// Debug returns the debug output setting.
func (c *Client) Debug() (string, error) {
	return c.getStringSetting("debug", "debug", &c.shadow.debug, parseToggle(1))
}

// SetDebug switches debug output on or off.
func (c *Client) SetDebug(value string) error {
	return c.setToggle("debug", "debug", &c.shadow.debug, value, parseToggle(1))
}

// AutoExtend returns the auto-extend setting.
func (c *Client) AutoExtend() (string, error) {
	return c.getStringSetting("autoextend", "autoextend", &c.shadow.autoExtend, parseToggle(1))
}

// SetAutoExtend switches the auto-extend feature on or off.
func (c *Client) SetAutoExtend(value string) error {
	return c.setToggle("autoextend", "autoextend", &c.shadow.autoExtend, value, parseToggle(1))
}

// BackgroundLight returns the display backlight brightness (0..10).
func (c *Client) BackgroundLight() (int, error) {
	return c.getIntSetting("background light", "bLight", &c.shadow.backgroundLight, parseBoundedInt(0, 10))
}

// SetBackgroundLight sets the display backlight brightness, clamping to
// the brightest level.
func (c *Client) SetBackgroundLight(value int) error {
	if value > 10 {
		c.logger.Warn().Int("value", value).Msg("background light brightness beyond maximum, clamped to 10")
		value = 10
	}
	return c.setIntSetting("background light", "bLight", &c.shadow.backgroundLight, value, parseBoundedInt(0, 10))
}

// phase value parsers: the controller answers e.g. "phttemp  150 C",
// "phttime  90Seconds", "phtpwr  100%". The number is the second field.

func parsePhaseTemp(lines []string) (int, error) {
	line, err := echoLine(lines)
	if err != nil {
		return 0, err
	}
	raw, err := field(line, 1)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > 490 {
		return 0, fmt.Errorf("%w: malformed phase temperature %q", ErrProtocol, line)
	}
	return v, nil
}

func parsePhaseTime(lines []string) (int, error) {
	line, err := echoLine(lines)
	if err != nil {
		return 0, err
	}
	raw, err := field(line, 1)
	if err != nil {
		return 0, err
	}
	if i := strings.IndexByte(raw, 'S'); i >= 0 {
		raw = raw[:i]
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > 65534 {
		return 0, fmt.Errorf("%w: malformed phase time %q", ErrProtocol, line)
	}
	return v, nil
}

func parsePhasePower(lines []string) (int, error) {
	line, err := echoLine(lines)
	if err != nil {
		return 0, err
	}
	raw, err := field(line, 1)
	if err != nil {
		return 0, err
	}
	raw = strings.ReplaceAll(raw, "%", "")
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: malformed phase power %q", ErrProtocol, line)
	}
	return v, nil
}

// temperatureInRange applies the unit-dependent hardware limits.
func (c *Client) temperatureInRange(value int) (bool, error) {
	unit, err := c.TempUnit()
	if err != nil {
		return false, err
	}
	if unit == "F" {
		return value >= 32 && value <= 490, nil
	}
	return value >= 0 && value <= 254, nil
}

// PhaseTemperature returns the setpoint temperature of a phase.
func (c *Client) PhaseTemperature(p Phase) (int, error) {
	return c.getIntSetting(p.String()+" temperature", p.cmd()+"temp", &c.shadow.phaseTemp[p], parsePhaseTemp)
}

// SetPhaseTemperature writes the setpoint temperature of a phase.
// Values outside the hardware range for the active unit are logged and
// skipped without any I/O.
func (c *Client) SetPhaseTemperature(p Phase, value int) error {
	ok, err := c.temperatureInRange(value)
	if err != nil {
		return err
	}
	if !ok {
		c.metrics.ValidationRejections.Add(1)
		c.logger.Warn().Str("phase", p.String()).Int("value", value).
			Msg("phase temperature outside hardware range, setting skipped")
		return nil
	}
	return c.setIntSetting(p.String()+" temperature", p.cmd()+"temp", &c.shadow.phaseTemp[p], value, parsePhaseTemp)
}

// PhaseTime returns the duration of a phase in seconds.
func (c *Client) PhaseTime(p Phase) (int, error) {
	return c.getIntSetting(p.String()+" time", p.cmd()+"time", &c.shadow.phaseTime[p], parsePhaseTime)
}

// SetPhaseTime writes the duration of a phase in seconds (0..65534).
func (c *Client) SetPhaseTime(p Phase, value int) error {
	if value < 0 || value > 65534 {
		c.metrics.ValidationRejections.Add(1)
		c.logger.Warn().Str("phase", p.String()).Int("value", value).
			Msg("phase time outside hardware range, setting skipped")
		return nil
	}
	return c.setIntSetting(p.String()+" time", p.cmd()+"time", &c.shadow.phaseTime[p], value, parsePhaseTime)
}

// PhasePower returns the heater power of a phase in percent.
func (c *Client) PhasePower(p Phase) (int, error) {
	return c.getIntSetting(p.String()+" power", p.cmd()+"pwr", &c.shadow.phasePower[p], parsePhasePower)
}

// SetPhasePower writes the heater power of a phase in percent (0..100).
func (c *Client) SetPhasePower(p Phase, value int) error {
	if value < 0 || value > 100 {
		c.metrics.ValidationRejections.Add(1)
		c.logger.Warn().Str("phase", p.String()).Int("value", value).
			Msg("phase power outside hardware range, setting skipped")
		return nil
	}
	return c.setIntSetting(p.String()+" power", p.cmd()+"pwr", &c.shadow.phasePower[p], value, parsePhasePower)
}

// InitController overwrites the settings this system needs to operate:
// a scratch memory slot, Celsius, all traces off and the display dark.
// The user's own settings are captured beforehand by SaveInitialSettings.
func (c *Client) InitController() error {
	// slot first: it decides which phase settings the later writes land in
	if err := c.SetMemorySlot(4); err != nil {
		return err
	}
	if err := c.SetTempUnit("C"); err != nil {
		return err
	}
	if err := c.SetTrace(off); err != nil {
		return err
	}
	if err := c.SetTempTrace(off); err != nil {
		return err
	}
	if err := c.SetDebug(off); err != nil {
		return err
	}
	if err := c.SetBackgroundLight(0); err != nil {
		return err
	}
	if err := c.SetAutoExtend(off); err != nil {
		return err
	}
	c.logger.Info().Msg("reflow controller initialized")
	return nil
}
