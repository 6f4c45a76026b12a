package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionState is the debounced connectivity of a printer.
type ConnectionState int

const (
	// StateDisconnected means the session is down and the grace period
	// has passed, or the session never came up.
	StateDisconnected ConnectionState = iota
	// StateConnected means the transport session is up.
	StateConnected
	// StateDisconnectedInGrace means the session dropped recently; the
	// printer still reports as connected while the transport reconnects.
	StateDisconnectedInGrace
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnectedInGrace:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Info identifies a printer and how to reach it.
type Info struct {
	Serial     string `json:"serial"`
	Address    string `json:"address"`
	AccessCode string `json:"-"`
	Name       string `json:"name"`
}

// Connection is the live session with one printer. It is created by
// Manager.Connect and lives until Manager.Disconnect; transport drops only
// change its reported state.
type Connection struct {
	info      Info
	cfg       Config
	clock     Clock
	logger    zerolog.Logger
	transport Transport
	hooks     *hookSet
	events    *dispatcher

	// calLock serializes calibration requests; a channel so waiting honors
	// ctx.
	calLock chan struct{}

	mu             sync.RWMutex
	closed         bool
	up             bool
	disconnectedAt time.Time
	tracker        *tracker
	calCache       map[string]calibrationCacheEntry
	waiter         *calibrationWaiter
	pending        map[SlotKey]PendingAssignment
}

func newConnection(info Info, cfg Config, dial Dialer, clock Clock, hooks *hookSet, events *dispatcher, logger zerolog.Logger) *Connection {
	c := &Connection{
		info:     info,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With().Str("serial", info.Serial).Logger(),
		hooks:    hooks,
		events:   events,
		calLock:  make(chan struct{}, 1),
		tracker:  newTracker(),
		calCache: make(map[string]calibrationCacheEntry),
		pending:  make(map[SlotKey]PendingAssignment),
	}
	c.transport = dial(TransportOptions{
		ClientID:         cfg.ClientIDPrefix + info.Serial,
		Host:             info.Address,
		Port:             cfg.Port,
		Username:         cfg.Username,
		Password:         info.AccessCode,
		KeepAlive:        cfg.KeepAlive,
		ConnectTimeout:   cfg.ConnectTimeout,
		PublishTimeout:   cfg.PublishTimeout,
		OnConnect:        c.handleConnect,
		OnConnectionLost: c.handleConnectionLost,
	})
	return c
}

// Info returns the printer's identity.
func (c *Connection) Info() Info {
	return c.info
}

func (c *Connection) connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnect, c.info.Serial, err)
	}
	return nil
}

func (c *Connection) disconnect() {
	c.close()
	c.logger.Info().Msg("Disconnected")
}

// close stops the transport. Callbacks the transport delivers afterwards,
// such as a dial that completes late, are ignored.
func (c *Connection) close() {
	c.mu.Lock()
	c.closed = true
	c.up = false
	c.disconnectedAt = time.Time{}
	c.mu.Unlock()
	c.transport.Disconnect()
}

// handleConnect runs on the transport goroutine after every successful
// (re)connect.
func (c *Connection) handleConnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.up = true
	c.disconnectedAt = time.Time{}
	c.mu.Unlock()

	c.logger.Info().Str("address", c.info.Address).Msg("Connected to printer")

	topic := ReportTopic(c.info.Serial)
	if err := c.transport.Subscribe(topic, c.handleMessage); err != nil {
		c.logger.Error().Err(err).Str("topic", topic).Msg("Subscribe failed")
	}

	for _, nozzle := range c.cfg.CalibrationNozzles {
		payload, err := EncodeCalibrationGet(nozzle)
		if err == nil {
			err = c.publish(payload)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("nozzle", nozzle).Msg("K-profile request failed")
		}
	}
	if err := c.RefreshState(); err != nil {
		c.logger.Warn().Err(err).Msg("pushall failed")
	}

	serial := c.info.Serial
	c.emit(func(h Handlers) {
		if h.Connect != nil {
			h.Connect(serial)
		}
	})
}

// handleConnectionLost runs on the transport goroutine when an established
// session drops. The transport reconnects on its own.
func (c *Connection) handleConnectionLost(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.up = false
	c.disconnectedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Warn().Err(err).Dur("grace_period", c.cfg.GracePeriod).Msg("Connection lost")

	serial := c.info.Serial
	c.emit(func(h Handlers) {
		if h.Disconnect != nil {
			h.Disconnect(serial)
		}
	})
}

// handleMessage runs on the transport goroutine for every report. Malformed
// payloads are logged and dropped.
func (c *Connection) handleMessage(payload []byte) {
	p, err := decodeReport(payload)
	if err != nil {
		c.logger.Debug().Err(err).Int("bytes", len(payload)).Msg("Dropping malformed report")
		return
	}
	if p == nil {
		return
	}
	if p.Command != "" {
		c.logger.Trace().Str("command", p.Command).Msg("Report")
	}
	if p.isCalibrationReply() {
		c.handleCalibrationReply(p)
		return
	}

	c.mu.Lock()
	res := c.tracker.apply(p)
	due := c.takeInserted(res.inserted)
	snapshot := c.tracker.state.Clone()
	c.mu.Unlock()

	serial := c.info.Serial
	if res.dualNozzleDetected {
		c.logger.Info().Msg("Detected dual-nozzle printer")
		c.emit(func(h Handlers) {
			if h.NozzleCount != nil {
				h.NozzleCount(serial, 2)
			}
		})
	}
	for _, d := range due {
		c.executeAssignment(d)
	}
	if res.readingChanged {
		previous, current := res.previousReading, res.reading
		c.emit(func(h Handlers) {
			if h.TrayReading != nil {
				h.TrayReading(serial, previous, current)
			}
		})
	}
	c.emit(func(h Handlers) {
		if h.StateUpdate != nil {
			h.StateUpdate(serial, snapshot)
		}
	})
}

// emit queues fn with the handlers current at delivery time.
func (c *Connection) emit(fn func(h Handlers)) {
	hooks := c.hooks
	c.events.post(func() { fn(hooks.get()) })
}

func (c *Connection) sessionUp() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.up
}

// Status returns the debounced connectivity state.
func (c *Connection) Status() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.up {
		return StateConnected
	}
	if !c.disconnectedAt.IsZero() && c.clock.Now().Sub(c.disconnectedAt) < c.cfg.GracePeriod {
		return StateDisconnectedInGrace
	}
	return StateDisconnected
}

// Connected reports true while the session is up and during the grace
// period after a drop.
func (c *Connection) Connected() bool {
	return c.Status() != StateDisconnected
}

// State returns a copy of the last observed device state.
func (c *Connection) State() DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.state.Clone()
}

// NozzleDiameter returns the nozzle size for extruder, defaulting to 0.4.
func (c *Connection) NozzleDiameter(extruder int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.nozzleDiameter(extruder)
}

// publish sends payload on the request topic. Commands need a live session;
// the grace period does not apply.
func (c *Connection) publish(payload []byte) error {
	if !c.sessionUp() {
		return ErrNotConnected
	}
	if err := c.transport.Publish(RequestTopic(c.info.Serial), payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// RefreshState asks the printer to push its full state.
func (c *Connection) RefreshState() error {
	payload, err := EncodePushAll()
	if err != nil {
		return err
	}
	return c.publish(payload)
}

// SetFilament writes filament type, color and temperatures for a slot.
func (c *Connection) SetFilament(f FilamentSetting) error {
	payload, err := EncodeFilamentSetting(f)
	if err != nil {
		return err
	}
	if err := c.publish(payload); err != nil {
		return err
	}
	c.logger.Info().
		Int("ams_id", f.AmsID).
		Int("tray_id", f.TrayID).
		Str("tray_type", f.TrayType).
		Str("tray_color", f.TrayColor).
		Str("tray_info_idx", f.TrayInfoIdx).
		Msg("Set filament")
	return nil
}

// SetCalibration selects a stored K-profile for a slot.
func (c *Connection) SetCalibration(sel CalibrationSelection) error {
	payload, err := EncodeCalibrationSelect(sel)
	if err != nil {
		return err
	}
	if err := c.publish(payload); err != nil {
		return err
	}
	c.logger.Info().
		Int("ams_id", sel.AmsID).
		Int("tray_id", sel.TrayID).
		Int("cali_idx", sel.CaliIdx).
		Msg("Set calibration")
	return nil
}

// SetKValue writes a pressure-advance value directly.
func (c *Connection) SetKValue(k KValueSetting) error {
	payload, err := EncodeCalibrationSet(k)
	if err != nil {
		return err
	}
	if err := c.publish(payload); err != nil {
		return err
	}
	c.logger.Info().Int("tray_id", k.TrayID).Float64("k_value", k.KValue).Msg("Set K value")
	return nil
}

// ResetSlot makes the printer re-read the slot's RFID tag.
func (c *Connection) ResetSlot(key SlotKey) error {
	payload, err := EncodeGetRFID(key.AmsID, key.TrayID)
	if err != nil {
		return err
	}
	if err := c.publish(payload); err != nil {
		return err
	}
	c.logger.Info().Int("ams_id", key.AmsID).Int("tray_id", key.TrayID).Msg("Requested RFID re-read")
	return nil
}
