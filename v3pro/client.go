// Package v3pro implements the serial protocol of the Beta Layout
// V3 Pro reflow controller: command framing, retry policy, a shadow
// cache of controller settings, and the save/restore record that brings
// the controller back to its pre-session state.
//
// The protocol is line-oriented ASCII at 9600 8N1. Every command is a
// single line terminated by '\r'; the controller answers with zero or
// more lines and terminates the response with a blank line.
package v3pro

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// retryBudget is the number of full write/read exchanges attempted per
// logical operation before it fails hard.
const retryBudget = 5

const (
	cmdStart       = "doStart"
	cmdStop        = "doStop"
	cmdTemperature = "tempshow"
)

// Client drives a single V3 Pro controller over a serial line. All
// wire access is serialized by one mutex; two logical operations on the
// same controller never interleave their write/read exchanges.
type Client struct {
	mu       sync.Mutex // guards handle, pending and the wire itself
	handle   portHandle
	pending  []byte // bytes received but not yet consumed as lines
	portName string

	isOpen atomic.Bool

	shadowMu sync.Mutex
	shadow   shadow

	recordMu   sync.Mutex
	initial    Settings
	storageDir string

	metrics *Metrics
	logger  zerolog.Logger
}

// Connect opens the given port and probes it for a V3 Pro controller.
// Ports that do not acknowledge the stop command are closed again and
// reported as ErrNotCompatible.
func Connect(portName, storageDir string, logger zerolog.Logger) (*Client, error) {
	handle, err := openPort(portName, controllerMode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", portName, err)
	}
	if err := handle.SetReadTimeout(readTimeout); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("configuring %s: %w", portName, err)
	}

	c := &Client{
		handle:     handle,
		portName:   portName,
		storageDir: storageDir,
		metrics:    &Metrics{},
		logger:     logger.With().Str("component", "v3pro").Str("port", portName).Logger(),
	}
	c.drainStale()

	if !c.CheckConnection() {
		_ = handle.Close()
		return nil, fmt.Errorf("%s: %w", portName, ErrNotCompatible)
	}
	c.isOpen.Store(true)
	c.logger.Info().Msg("serial connection established")
	return c, nil
}

// Port returns the serial port this client is bound to.
func (c *Client) Port() string { return c.portName }

// Metrics returns the connection's wire statistics.
func (c *Client) Metrics() *Metrics { return c.metrics }

// IsOpen reports whether the serial port is held open.
func (c *Client) IsOpen() bool { return c.isOpen.Load() }

// Close releases the serial port. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isOpen.Store(false)
	h := c.handle
	c.handle = nil
	if h != nil {
		return h.Close()
	}
	return nil
}

// drainStale discards whatever the controller has buffered from before
// this session so the first exchange starts on a clean line boundary.
func (c *Client) drainStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		line, err := c.readLine()
		if err != nil || line == "" {
			return
		}
	}
}

// exchange writes one command line and collects the response lines up
// to the blank terminator. A response carrying the controller's
// unrecognized-command banner fails the exchange.
func (c *Client) exchange(cmd string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return nil, ErrNotConnected
	}

	out := []byte(cmd + "\r")
	n, err := c.handle.Write(out)
	c.metrics.BytesWritten.Add(int64(n))
	if err != nil {
		return nil, fmt.Errorf("writing %q: %w", cmd, err)
	}
	if n != len(out) {
		return nil, fmt.Errorf("writing %q: %w", cmd, io.ErrShortWrite)
	}

	var lines []string
	rejected := false
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, fmt.Errorf("reading response to %q: %w", cmd, err)
		}
		if line == "" {
			break
		}
		if strings.Contains(line, "not found") || strings.Contains(line, "# Command >") {
			rejected = true
		}
		lines = append(lines, line)
	}

	c.metrics.Exchanges.Add(1)
	c.metrics.LastExchangeUnix.Store(time.Now().Unix())
	if rejected {
		c.metrics.CommandsRejected.Add(1)
		return nil, fmt.Errorf("%w: %q", ErrCommandRejected, cmd)
	}
	return lines, nil
}

// readLine returns the next '\n'-terminated line, trimmed of whitespace.
// A timed-out read (zero bytes) ends the current line; with nothing
// pending that yields the empty line terminating a response, matching
// the controller's framing. Caller holds c.mu.
func (c *Client) readLine() (string, error) {
	buf := make([]byte, 256)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(c.pending[:i]))
			c.pending = c.pending[i+1:]
			return line, nil
		}
		n, err := c.handle.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			line := strings.TrimSpace(string(c.pending))
			c.pending = nil
			return line, nil
		}
		c.metrics.BytesRead.Add(int64(n))
		c.pending = append(c.pending, buf[:n]...)
	}
}

// withRetry runs fn up to the retry budget, counting retries and
// classifying the terminal failure.
func (c *Client) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryBudget; attempt++ {
		if attempt > 0 {
			c.metrics.Retries.Add(1)
		}
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrProtocol) {
			c.metrics.ProtocolViolations.Add(1)
		}
		lastErr = err
	}
	c.metrics.TransportFailures.Add(1)
	return fmt.Errorf("%s failed after %d attempts (last error: %v): %w",
		op, retryBudget, lastErr, ErrTransport)
}

// CheckConnection reports whether the connected device answers the stop
// command like a V3 Pro controller. Used as the compatibility probe for
// hot-plugged ports.
func (c *Client) CheckConnection() bool {
	for i := 0; i < retryBudget; i++ {
		lines, err := c.exchange(cmdStop)
		if err != nil {
			continue
		}
		for _, line := range lines {
			if strings.Contains(line, "Stop") {
				return true
			}
		}
	}
	return false
}

// Temperature polls the controller's current oven temperature.
func (c *Client) Temperature() (float64, error) {
	var temp float64
	err := c.withRetry("read temperature", func() error {
		lines, err := c.exchange(cmdTemperature)
		if err != nil {
			return err
		}
		v, err := parseTemperature(lines)
		if err != nil {
			return err
		}
		temp = v
		return nil
	})
	return temp, err
}

// parseTemperature handles the controller's formatting quirk: below
// 100 degrees there is a space between the sign and the number
// ("+ 99 C" instead of "+105 C").
func parseTemperature(lines []string) (float64, error) {
	if len(lines) < 2 {
		return 0, fmt.Errorf("%w: short temperature response", ErrProtocol)
	}
	fields := strings.Fields(lines[1])
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty temperature line", ErrProtocol)
	}
	raw := strings.TrimPrefix(fields[0], "+")
	if fields[0] == "+" {
		if len(fields) < 2 {
			return 0, fmt.Errorf("%w: malformed temperature %q", ErrProtocol, lines[1])
		}
		raw = fields[1]
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed temperature %q", ErrProtocol, lines[1])
	}
	if v < 0 || v > 490 {
		return 0, fmt.Errorf("%w: temperature %d out of range", ErrProtocol, v)
	}
	return float64(v), nil
}

// Start issues the hardware start command.
func (c *Client) Start() error {
	return c.withRetry("start controller", func() error {
		lines, err := c.exchange(cmdStart)
		if err != nil {
			return err
		}
		if len(lines) < 2 || !strings.Contains(lines[1], "Start") {
			return fmt.Errorf("%w: start not acknowledged", ErrProtocol)
		}
		return nil
	})
}

// Stop issues the hardware stop command.
func (c *Client) Stop() error {
	return c.withRetry("stop controller", func() error {
		lines, err := c.exchange(cmdStop)
		if err != nil {
			return err
		}
		if len(lines) < 2 || !strings.Contains(lines[1], "Stop") {
			return fmt.Errorf("%w: stop not acknowledged", ErrProtocol)
		}
		return nil
	})
}
