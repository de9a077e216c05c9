package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Firmware command strings. Numeric commands carry the value first and the
// command letter last; the letter case selects the radio front-end.
const (
	cmdTerminator = "\r\n"
	cmdVersion    = "v"
	cmdLEDOn      = "1a"
	cmdLEDOff     = "0a"
)

// Stats holds operational statistics.
type Stats struct {
	CommandsTx     uint64
	LinesRx        uint64
	ReadingsRx     uint64
	CallbackPanics uint64 // Listener panics recovered by the scan loop
	ErrorsTotal    uint64
	LastActivity   time.Time
	Connected      bool
	Scanning       bool // True while the scan loop is running
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ReadingCallback receives a decoded reading together with the userData
// value supplied at registration.
type ReadingCallback func(r Reading, userData any)

// callbackEntry pairs a listener with its registration userData.
type callbackEntry struct {
	fn       ReadingCallback
	userData any
}

// Session interface for testability.
// This allows mocking the gateway client in tests.
type Session interface {
	SendCommand(ctx context.Context, cmd string) error
	SetFrequency(ctx context.Context, freqKHz, channel int) error
	SetDataRate(ctx context.Context, rate, channel int) error
	SetToggleInterval(ctx context.Context, seconds, channel int) error
	SetToggleMask(ctx context.Context, mask, channel int) error
	SetLED(ctx context.Context, on bool) error
	QueryInfo(ctx context.Context) (DeviceInfo, error)
	StartScan()
	RegisterCallback(sensorID string, cb ReadingCallback, userData any)
	RegisterAll(cb ReadingCallback, userData any)
	LastReading(sensorID string) (Reading, bool)
	Sensors() map[string]Reading
	IsConnected() bool
	Stats() Stats
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Ensure Client implements Session.
var _ Session = (*Client)(nil)

// Client is one TCP session with a LaCrosse gateway.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Reading callbacks are invoked synchronously on the scan goroutine,
//     one at a time; a slow callback stalls ingestion of later lines.
//
// Lifecycle:
//   - Connect dials the gateway but starts nothing in the background.
//   - StartScan launches the single ingestion goroutine.
//   - A terminal read failure stops the goroutine and is observable via
//     Done and Err; the client does not reconnect.
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader

	// Connection state
	connMu    sync.RWMutex
	connected bool

	// Listener registry. The catch-all slot is replaced on registration,
	// per-id lists are append-only; registration order is dispatch order.
	registryMu sync.RWMutex
	registry   map[string][]callbackEntry
	catchAll   *callbackEntry

	// Latest reading per sensor id, written by the scan loop.
	sensorsMu sync.RWMutex
	sensors   map[string]Reading

	// Scan loop state. scanErr records the terminal read failure, if any;
	// scanExit closes when the loop has terminated (or on Close if the
	// loop never ran).
	scanMu      sync.Mutex
	scanStarted bool
	scanErr     error
	scanExit    *closeOnce

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	commandsTx     atomic.Uint64
	linesRx        atomic.Uint64
	readingsRx     atomic.Uint64
	callbackPanics atomic.Uint64
	errorsTotal    atomic.Uint64
	lastActivity   atomic.Int64 // Unix timestamp
}

// Connect establishes the TCP session with the gateway.
//
// The gateway needs no handshake; it starts streaming telemetry as soon as
// radio traffic arrives. Connect does not start the scan loop, so the
// caller can run synchronous operations (QueryInfo, configuration
// commands) first and call StartScan when ready.
//
// Parameters:
//   - ctx: Context for cancellation (used for the initial connection)
//   - cfg: Connection configuration
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: Wrapped in ErrConnectionFailed if the dial fails
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// Create connection with timeout
	connectCtx := ctx
	if connectCtx == nil {
		connectCtx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(connectCtx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, cfg.Address(), err)
	}

	client := &Client{
		cfg:      cfg,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		registry: make(map[string][]callbackEntry),
		sensors:  make(map[string]Reading),
		scanExit: newCloseOnce(),
		done:     newCloseOnce(),
	}
	client.lastActivity.Store(time.Now().Unix())

	// Mark as connected
	client.connMu.Lock()
	client.connected = true
	client.connMu.Unlock()

	return client, nil
}

// StartScan starts the background ingestion loop.
//
// At most one loop runs per session. Repeat calls are no-ops, including
// after the loop has terminated; a session whose loop has exited stays
// exited. The loop runs until Close is called or a read fails; a failure
// is observable via Done and Err.
func (c *Client) StartScan() {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	if c.scanStarted || c.isClosed() {
		return
	}
	c.scanStarted = true

	c.wg.Add(1)
	go c.receiveLoop()
}

// receiveLoop continuously reads lines from the gateway and dispatches
// decoded readings to registered listeners. Lines that are not telemetry
// (info responses, firmware chatter) are discarded.
func (c *Client) receiveLoop() {
	defer c.scanExit.Close()
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		line, err := c.readLine(nil, true)
		if err != nil {
			if c.isClosed() || errors.Is(err, ErrSessionClosed) {
				return // Shutdown requested, exit cleanly
			}
			// Fatal read error - record it and stop; no reconnection.
			c.errorsTotal.Add(1)
			c.setTerminalError(err)
			c.markDisconnected()
			c.logError("scan stopped by read failure", err)
			return
		}

		c.linesRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())

		reading, ok := ParseReading(line)
		if !ok {
			continue
		}

		c.readingsRx.Add(1)
		c.storeReading(reading)
		c.dispatch(reading)
	}
}

// readLine reads one newline-terminated line from the gateway.
//
// Every read carries a deadline of ReadTimeout (capped by the ctx deadline
// if one is set) so a blocked read can always observe shutdown. Partial
// data received before an expiry is kept and completed on a later
// iteration. If wait is true, expired deadlines are retried until the
// session closes (scan semantics); if false, the first expiry is returned
// to the caller as the net timeout error (bounded query semantics).
func (c *Client) readLine(ctx context.Context, wait bool) (string, error) {
	var line []byte

	for {
		deadline := time.Now().Add(c.cfg.ReadTimeout)
		if ctx != nil {
			if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
				deadline = d
			}
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}

		chunk, err := c.reader.ReadBytes('\n')
		line = append(line, chunk...)
		if err == nil {
			return strings.Trim(string(line), "\r\n"), nil
		}

		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return "", fmt.Errorf("read line: %w", err)
		}

		// Deadline expired with no complete line yet.
		if c.isClosed() {
			return "", ErrSessionClosed
		}
		if ctx != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !wait {
			return "", err
		}
	}
}

// QueryInfo requests the gateway's identity and radio configuration.
//
// It sends the version query and synchronously reads the response stream
// until an info line parses. The gateway interleaves telemetry with the
// response, so up to ten lines are inspected per attempt; if the response
// does not appear, the query is re-sent up to InfoAttempts times before
// giving up.
//
// QueryInfo owns the socket reads while it runs, so it refuses with
// ErrScanActive when the scan loop is running. Call it before StartScan.
//
// Parameters:
//   - ctx: Context for cancellation; its deadline also caps each read
//
// Returns:
//   - DeviceInfo: Decoded identity and radio configuration
//   - error: ErrScanActive, ErrNotConnected, or ErrProtocolTimeout when
//     all attempts are exhausted
func (c *Client) QueryInfo(ctx context.Context) (DeviceInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.IsConnected() {
		return DeviceInfo{}, ErrNotConnected
	}
	if c.scanRunning() {
		return DeviceInfo{}, ErrScanActive
	}

	for attempt := 1; attempt <= c.cfg.InfoAttempts; attempt++ {
		if err := c.SendCommand(ctx, cmdVersion); err != nil {
			return DeviceInfo{}, err
		}

		info, err := c.awaitInfo(ctx)
		if err != nil {
			return DeviceInfo{}, err
		}
		if info != nil {
			return *info, nil
		}
		// No info line in this attempt's budget, query again.
	}

	return DeviceInfo{}, fmt.Errorf("%w after %d attempts", ErrProtocolTimeout, c.cfg.InfoAttempts)
}

// awaitInfo reads lines until an info response parses or the per-attempt
// line budget is spent. A nil DeviceInfo with nil error means the attempt
// ran out (line budget spent or the device went silent for a full read
// timeout) and the query should be re-sent.
func (c *Client) awaitInfo(ctx context.Context) (*DeviceInfo, error) {
	for i := 0; i < infoLinesPerAttempt; i++ {
		line, err := c.readLine(ctx, false)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return nil, ErrSessionClosed
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("query info: %w", ctx.Err())
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, nil // Device silent, re-send the query
			}

			c.errorsTotal.Add(1)
			c.markDisconnected()
			return nil, fmt.Errorf("query info: read: %w", err)
		}

		c.linesRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())

		if info, ok := ParseInfo(line); ok {
			return &info, nil
		}
	}

	return nil, nil
}

// SendCommand writes a raw firmware command followed by CRLF.
//
// The configuration setters cover the commands the client models;
// SendCommand is the escape hatch for the rest of the firmware's command
// set (altitude, relay mode).
//
// Parameters:
//   - ctx: Context for cancellation; its deadline also caps the write
//   - cmd: Command string without terminator, e.g. "868300f"
//
// Returns:
//   - error: ErrNotConnected if the session is closed or failed,
//     ErrCommandFailed on write failure
func (c *Client) SendCommand(ctx context.Context, cmd string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Check context
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCommandFailed, ctx.Err())
	default:
	}

	// Send with deadline
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrCommandFailed, err)
	}

	if _, err := c.conn.Write([]byte(cmd + cmdTerminator)); err != nil {
		// A failed or partial write leaves the command stream in an
		// unknown state; mark the session disconnected.
		c.errorsTotal.Add(1)
		c.markDisconnected()
		return fmt.Errorf("%w: write: %w", ErrCommandFailed, err)
	}

	c.commandsTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	return nil
}

// channelCommand formats a numeric command for a radio front-end. The
// firmware addresses front-end 1 with the lower-case command letter and
// front-end 2 with the upper-case one.
func channelCommand(value, channel int, lower, upper string) (string, error) {
	switch channel {
	case 1:
		return strconv.Itoa(value) + lower, nil
	case 2:
		return strconv.Itoa(value) + upper, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
}

// SetFrequency tunes a radio front-end to the given frequency in kHz.
// The firmware accepts 5 kHz steps.
func (c *Client) SetFrequency(ctx context.Context, freqKHz, channel int) error {
	if freqKHz < 0 {
		return fmt.Errorf("%w: frequency %d", ErrInvalidValue, freqKHz)
	}
	cmd, err := channelCommand(freqKHz, channel, "f", "F")
	if err != nil {
		return err
	}
	return c.SendCommand(ctx, cmd)
}

// SetDataRate selects a fixed data rate for a radio front-end.
func (c *Client) SetDataRate(ctx context.Context, rate, channel int) error {
	if rate < 0 {
		return fmt.Errorf("%w: data rate %d", ErrInvalidValue, rate)
	}
	cmd, err := channelCommand(rate, channel, "r", "R")
	if err != nil {
		return err
	}
	return c.SendCommand(ctx, cmd)
}

// SetToggleInterval sets how often a front-end cycles between data rates,
// in seconds. Zero disables toggling.
func (c *Client) SetToggleInterval(ctx context.Context, seconds, channel int) error {
	if seconds < 0 {
		return fmt.Errorf("%w: toggle interval %d", ErrInvalidValue, seconds)
	}
	cmd, err := channelCommand(seconds, channel, "t", "T")
	if err != nil {
		return err
	}
	return c.SendCommand(ctx, cmd)
}

// SetToggleMask selects which data rates a front-end toggles between.
// The mask is an OR of 1 (17.241 kbps), 2 (9.579 kbps) and 4 (8.842 kbps).
func (c *Client) SetToggleMask(ctx context.Context, mask, channel int) error {
	if mask < 0 || mask > 7 {
		return fmt.Errorf("%w: toggle mask %d", ErrInvalidValue, mask)
	}
	cmd, err := channelCommand(mask, channel, "m", "M")
	if err != nil {
		return err
	}
	return c.SendCommand(ctx, cmd)
}

// SetLED switches the gateway's blue activity LED.
func (c *Client) SetLED(ctx context.Context, on bool) error {
	cmd := cmdLEDOff
	if on {
		cmd = cmdLEDOn
	}
	return c.SendCommand(ctx, cmd)
}

// RegisterCallback appends a listener for one sensor id.
//
// Listeners for the same id are invoked in registration order. Entries are
// never removed for the lifetime of the session. A nil callback is
// ignored.
func (c *Client) RegisterCallback(sensorID string, cb ReadingCallback, userData any) {
	if cb == nil {
		return
	}
	c.registryMu.Lock()
	c.registry[sensorID] = append(c.registry[sensorID], callbackEntry{fn: cb, userData: userData})
	c.registryMu.Unlock()
}

// RegisterAll installs the catch-all listener, replacing any previous one.
//
// The catch-all is invoked for every reading regardless of sensor id,
// before the per-id listeners. A nil callback clears the slot.
func (c *Client) RegisterAll(cb ReadingCallback, userData any) {
	c.registryMu.Lock()
	if cb == nil {
		c.catchAll = nil
	} else {
		c.catchAll = &callbackEntry{fn: cb, userData: userData}
	}
	c.registryMu.Unlock()
}

// storeReading records the latest reading for a sensor id.
func (c *Client) storeReading(r Reading) {
	c.sensorsMu.Lock()
	c.sensors[r.SensorID] = r
	c.sensorsMu.Unlock()
}

// dispatch invokes the catch-all listener, then the per-id listeners in
// registration order. Dispatch is synchronous on the scan goroutine.
func (c *Client) dispatch(r Reading) {
	c.registryMu.RLock()
	entries := make([]callbackEntry, 0, 1+len(c.registry[r.SensorID]))
	if c.catchAll != nil {
		entries = append(entries, *c.catchAll)
	}
	entries = append(entries, c.registry[r.SensorID]...)
	c.registryMu.RUnlock()

	for _, entry := range entries {
		c.invoke(entry, r)
	}
}

// invoke runs one listener, recovering panics so a faulty listener cannot
// kill the scan loop.
func (c *Client) invoke(entry callbackEntry, r Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			c.callbackPanics.Add(1)
			c.errorsTotal.Add(1)
			c.logError("reading callback panic", fmt.Errorf("%v", rec))
		}
	}()
	entry.fn(r, entry.userData)
}

// LastReading returns the most recent reading for a sensor id.
func (c *Client) LastReading(sensorID string) (Reading, bool) {
	c.sensorsMu.RLock()
	defer c.sensorsMu.RUnlock()
	r, ok := c.sensors[sensorID]
	return r, ok
}

// Sensors returns a copy of the latest reading per sensor id.
func (c *Client) Sensors() map[string]Reading {
	c.sensorsMu.RLock()
	defer c.sensorsMu.RUnlock()

	out := make(map[string]Reading, len(c.sensors))
	for id, r := range c.sensors {
		out[id] = r
	}
	return out
}

// Done returns a channel that closes when the scan loop has terminated,
// or on Close if the loop never ran. After Done closes, Err reports why
// the loop stopped.
func (c *Client) Done() <-chan struct{} {
	return c.scanExit.Done()
}

// Err returns the terminal read error that stopped the scan loop, or nil
// if the loop is still running or the session shut down cleanly.
func (c *Client) Err() error {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	return c.scanErr
}

// setTerminalError records the first terminal scan failure.
func (c *Client) setTerminalError(err error) {
	c.scanMu.Lock()
	if c.scanErr == nil {
		c.scanErr = err
	}
	c.scanMu.Unlock()
}

// scanRunning returns true while the scan loop owns the socket reads.
func (c *Client) scanRunning() bool {
	c.scanMu.Lock()
	started := c.scanStarted
	c.scanMu.Unlock()

	if !started {
		return false
	}
	select {
	case <-c.scanExit.Done():
		return false
	default:
		return true
	}
}

// markDisconnected flips the connection state to disconnected.
func (c *Client) markDisconnected() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
}

// isClosed returns true if the session has been closed.
func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close shuts the session down.
//
// It signals the scan loop to stop, closes the socket (unblocking any
// pending read) and waits for the loop to exit. Safe to call multiple
// times (uses sync.Once).
//
// Returns:
//   - error: nil (closing is best-effort)
func (c *Client) Close() error {
	// Signal shutdown (safe to call multiple times via sync.Once)
	c.done.Close()

	// Mark disconnected
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	// Close connection (this will unblock any pending reads)
	if c.conn != nil {
		c.conn.Close()
	}

	// Wait for the scan loop to finish
	c.wg.Wait()

	// Release Done waiters even if the loop never ran
	c.scanExit.Close()

	c.logInfo("session closed")
	return nil
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true if the session is connected.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		CommandsTx:     c.commandsTx.Load(),
		LinesRx:        c.linesRx.Load(),
		ReadingsRx:     c.readingsRx.Load(),
		CallbackPanics: c.callbackPanics.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
		LastActivity:   time.Unix(c.lastActivity.Load(), 0),
		Connected:      c.IsConnected(),
		Scanning:       c.scanRunning(),
	}
}

// logInfo logs an info message if logger is set.
func (c *Client) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Client) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
