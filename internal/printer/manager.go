package printer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager owns the connections to every printer and routes commands to
// them by serial. Operations on an unknown serial fail with ErrNotConnected.
type Manager struct {
	cfg    Config
	dial   Dialer
	clock  Clock
	logger zerolog.Logger
	hooks  *hookSet
	events *dispatcher

	// lifecycle serializes Connect and Disconnect per serial.
	lifecycleMu sync.Mutex
	lifecycle   map[string]*sync.Mutex

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the MQTT transport.
func WithDialer(dial Dialer) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithClock replaces wall time for grace-period and cache checks.
func WithClock(clock Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a Manager. Call Close to stop notification delivery.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:         cfg,
		dial:        DialMQTT,
		clock:       realClock{},
		logger:      logger.With().Str("component", "printer").Logger(),
		hooks:       &hookSet{},
		lifecycle:   make(map[string]*sync.Mutex),
		connections: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = newDispatcher(cfg.EventBuffer, m.logger)
	return m
}

// SetHandlers replaces every notification handler at once.
func (m *Manager) SetHandlers(h Handlers) {
	m.hooks.update(func(cur *Handlers) { *cur = h })
}

// OnStateUpdate sets the handler for decoded state reports.
func (m *Manager) OnStateUpdate(fn func(serial string, state DeviceState)) {
	m.hooks.update(func(h *Handlers) { h.StateUpdate = fn })
}

// OnConnect sets the handler for session (re)establishment.
func (m *Manager) OnConnect(fn func(serial string)) {
	m.hooks.update(func(h *Handlers) { h.Connect = fn })
}

// OnDisconnect sets the handler for session drops.
func (m *Manager) OnDisconnect(fn func(serial string)) {
	m.hooks.update(func(h *Handlers) { h.Disconnect = fn })
}

// OnAssignmentComplete sets the handler for executed staged assignments.
func (m *Manager) OnAssignmentComplete(fn func(result AssignmentResult)) {
	m.hooks.update(func(h *Handlers) { h.AssignmentComplete = fn })
}

// OnNozzleCount sets the handler for dual-nozzle detection.
func (m *Manager) OnNozzleCount(fn func(serial string, count int)) {
	m.hooks.update(func(h *Handlers) { h.NozzleCount = fn })
}

// OnTrayReading sets the handler for RFID scan bitmask changes.
func (m *Manager) OnTrayReading(fn func(serial string, previous *int, current int)) {
	m.hooks.update(func(h *Handlers) { h.TrayReading = fn })
}

func (m *Manager) lockSerial(serial string) func() {
	m.lifecycleMu.Lock()
	l, ok := m.lifecycle[serial]
	if !ok {
		l = &sync.Mutex{}
		m.lifecycle[serial] = l
	}
	m.lifecycleMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Connect opens a session with the printer and registers it. Connecting a
// serial that is already registered is a no-op.
func (m *Manager) Connect(ctx context.Context, info Info) error {
	unlock := m.lockSerial(info.Serial)
	defer unlock()

	if _, ok := m.connection(info.Serial); ok {
		m.logger.Warn().Str("serial", info.Serial).Msg("Printer already connected")
		return nil
	}

	conn := newConnection(info, m.cfg, m.dial, m.clock, m.hooks, m.events, m.logger)
	if err := conn.connect(ctx); err != nil {
		conn.close()
		m.logger.Error().Err(err).Str("serial", info.Serial).Msg("Failed to connect")
		return err
	}

	m.mu.Lock()
	m.connections[info.Serial] = conn
	m.mu.Unlock()
	return nil
}

// Disconnect closes the printer's session and forgets it, dropping its
// state, calibrations and staged assignments.
func (m *Manager) Disconnect(serial string) {
	unlock := m.lockSerial(serial)
	defer unlock()

	m.mu.Lock()
	conn, ok := m.connections[serial]
	delete(m.connections, serial)
	m.mu.Unlock()
	if ok {
		conn.disconnect()
	}
}

// DisconnectAll disconnects every printer concurrently.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, serial := range m.Serials() {
		g.Go(func() error {
			m.Disconnect(serial)
			return nil
		})
	}
	return g.Wait()
}

// Close disconnects every printer and stops notification delivery after
// draining queued notifications.
func (m *Manager) Close(ctx context.Context) error {
	err := m.DisconnectAll(ctx)
	m.events.close()
	return err
}

func (m *Manager) connection(serial string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[serial]
	return c, ok
}

func (m *Manager) lookup(serial string) (*Connection, error) {
	c, ok := m.connection(serial)
	if !ok {
		return nil, ErrNotConnected
	}
	return c, nil
}

// Serials returns the registered serials in sorted order.
func (m *Manager) Serials() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.connections))
	for s := range m.connections {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// IsConnected reports the debounced connectivity of serial; false when not
// registered.
func (m *Manager) IsConnected(serial string) bool {
	c, ok := m.connection(serial)
	return ok && c.Connected()
}

// Status returns the connectivity state of serial.
func (m *Manager) Status(serial string) ConnectionState {
	c, ok := m.connection(serial)
	if !ok {
		return StateDisconnected
	}
	return c.Status()
}

// ConnectionStatuses maps every registered serial to IsConnected.
func (m *Manager) ConnectionStatuses() map[string]bool {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make(map[string]bool, len(conns))
	for _, c := range conns {
		out[c.info.Serial] = c.Connected()
	}
	return out
}

// State returns the last observed state of serial.
func (m *Manager) State(serial string) (DeviceState, bool) {
	c, ok := m.connection(serial)
	if !ok {
		return DeviceState{}, false
	}
	return c.State(), true
}

// RefreshState requests a full state push from serial.
func (m *Manager) RefreshState(serial string) error {
	c, err := m.lookup(serial)
	if err != nil {
		return err
	}
	return c.RefreshState()
}

// RefreshAll requests a full state push from every connected printer and
// returns how many were asked.
func (m *Manager) RefreshAll() int {
	refreshed := 0
	for _, serial := range m.Serials() {
		c, ok := m.connection(serial)
		if !ok || !c.Connected() {
			continue
		}
		if err := c.RefreshState(); err != nil {
			m.logger.Debug().Err(err).Str("serial", serial).Msg("Refresh failed")
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		m.logger.Info().Int("printers", refreshed).Msg("Requested state refresh")
	}
	return refreshed
}

// SetFilament writes filament settings to a slot on serial.
func (m *Manager) SetFilament(serial string, f FilamentSetting) error {
	c, err := m.lookup(serial)
	if err != nil {
		return err
	}
	return c.SetFilament(f)
}

// SetCalibration selects a K-profile for a slot on serial.
func (m *Manager) SetCalibration(serial string, sel CalibrationSelection) error {
	c, err := m.lookup(serial)
	if err != nil {
		return err
	}
	return c.SetCalibration(sel)
}

// SetKValue writes a K value directly on serial.
func (m *Manager) SetKValue(serial string, k KValueSetting) error {
	c, err := m.lookup(serial)
	if err != nil {
		return err
	}
	return c.SetKValue(k)
}

// ResetSlot triggers an RFID re-read of a slot on serial.
func (m *Manager) ResetSlot(serial string, key SlotKey) error {
	c, err := m.lookup(serial)
	if err != nil {
		return err
	}
	return c.ResetSlot(key)
}

// CalibrationBudget reports the configured worst case of one K-profile fetch.
func (m *Manager) CalibrationBudget() time.Duration {
	return m.cfg.CalibrationBudget()
}

// KProfiles returns serial's K-profiles for a nozzle diameter, served from
// cache within the TTL.
func (m *Manager) KProfiles(ctx context.Context, serial, nozzle string) ([]Calibration, error) {
	c, err := m.lookup(serial)
	if err != nil {
		return nil, err
	}
	return c.Calibrations(ctx, nozzle)
}

// Calibrations returns every K-profile serial has reported, without a
// request.
func (m *Manager) Calibrations(serial string) ([]Calibration, error) {
	c, err := m.lookup(serial)
	if err != nil {
		return nil, err
	}
	return c.CalibrationTable(), nil
}

// NozzleDiameter returns the nozzle size of an extruder on serial,
// defaulting to 0.4 for unknown printers.
func (m *Manager) NozzleDiameter(serial string, extruder int) string {
	c, ok := m.connection(serial)
	if !ok {
		return DefaultNozzleDiameter
	}
	return c.NozzleDiameter(extruder)
}

// StageAssignment stages a for a slot on serial.
func (m *Manager) StageAssignment(serial string, key SlotKey, a PendingAssignment) error {
	c, err := m.lookup(serial)
	if err != nil {
		return err
	}
	c.StageAssignment(key, a)
	return nil
}

// CancelAssignment removes a staged assignment and reports whether one
// existed.
func (m *Manager) CancelAssignment(serial string, key SlotKey) (bool, error) {
	c, err := m.lookup(serial)
	if err != nil {
		return false, err
	}
	return c.CancelAssignment(key), nil
}

// PendingAssignment returns the staged assignment for a slot on serial.
func (m *Manager) PendingAssignment(serial string, key SlotKey) (PendingAssignment, bool) {
	c, ok := m.connection(serial)
	if !ok {
		return PendingAssignment{}, false
	}
	return c.PendingAssignment(key)
}

// PendingAssignments returns every staged assignment on serial.
func (m *Manager) PendingAssignments(serial string) (map[SlotKey]PendingAssignment, error) {
	c, err := m.lookup(serial)
	if err != nil {
		return nil, err
	}
	return c.PendingAssignments(), nil
}
