package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/spoolbuddy/backend/internal/config"
	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/websocket"
)

const serialA = "01P00A000000001"

// simFleet dials gomock transports whose reports are injected by the test.
type simFleet struct {
	ctrl    *gomock.Controller
	failing map[string]bool

	mu       sync.Mutex
	handlers map[string]func([]byte)
	dials    map[string]int
}

func (f *simFleet) dial(o printer.TransportOptions) printer.Transport {
	serial := strings.TrimPrefix(o.ClientID, printer.DefaultConfig().ClientIDPrefix)
	f.mu.Lock()
	f.dials[serial]++
	f.mu.Unlock()

	m := printer.NewMockTransport(f.ctrl)
	if f.failing[serial] {
		m.EXPECT().Connect(gomock.Any()).Return(errors.New("host unreachable"))
		m.EXPECT().Disconnect()
		return m
	}
	m.EXPECT().Connect(gomock.Any()).DoAndReturn(func(context.Context) error {
		o.OnConnect()
		return nil
	})
	m.EXPECT().Subscribe(printer.ReportTopic(serial), gomock.Any()).DoAndReturn(func(_ string, h func([]byte)) error {
		f.mu.Lock()
		f.handlers[serial] = h
		f.mu.Unlock()
		return nil
	}).AnyTimes()
	m.EXPECT().Publish(printer.RequestTopic(serial), gomock.Any()).Return(nil).AnyTimes()
	m.EXPECT().Disconnect().AnyTimes()
	return m
}

func (f *simFleet) deliver(t *testing.T, serial string, print map[string]any) {
	t.Helper()
	f.mu.Lock()
	h := f.handlers[serial]
	f.mu.Unlock()
	require.NotNil(t, h, "no subscription for %s", serial)
	payload, err := json.Marshal(map[string]any{"print": print})
	require.NoError(t, err)
	h(payload)
}

func (f *simFleet) dialCount(serial string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[serial]
}

type fleetHarness struct {
	sim      *simFleet
	service  *Service
	manager  *printer.Manager
	printers *storage.PrinterRepository
	slots    *storage.SlotAssignmentRepository
	hub      *websocket.Hub
	client   *websocket.Client
}

func newFleetHarness(t *testing.T, failing ...string) *fleetHarness {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "spoolbuddy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.RunMigrations(db, zerolog.Nop()))

	sim := &simFleet{
		ctrl:     gomock.NewController(t),
		failing:  make(map[string]bool),
		handlers: make(map[string]func([]byte)),
		dials:    make(map[string]int),
	}
	for _, s := range failing {
		sim.failing[s] = true
	}

	hub := websocket.NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	client := websocket.NewClient(hub)
	hub.Register(client)

	manager := printer.NewManager(printer.DefaultConfig(), zerolog.Nop(), printer.WithDialer(sim.dial))
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	h := &fleetHarness{
		sim:      sim,
		manager:  manager,
		printers: storage.NewPrinterRepository(db),
		slots:    storage.NewSlotAssignmentRepository(db),
		hub:      hub,
		client:   client,
	}
	h.service = NewService(manager, h.printers, h.slots, websocket.NewEventBroadcaster(hub, zerolog.Nop()), zerolog.Nop())
	h.service.Start()
	return h
}

// waitFor reads websocket messages until one of type want arrives.
func (h *fleetHarness) waitFor(t *testing.T, want websocket.MessageType) json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-h.client.Send():
			var msg struct {
				Type    websocket.MessageType `json:"type"`
				Payload json.RawMessage       `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(data, &msg))
			if msg.Type == want {
				return msg.Payload
			}
		case <-deadline:
			t.Fatalf("no %s message", want)
			return nil
		}
	}
}

func seed(serial string, autoConnect bool) config.PrinterSeed {
	return config.PrinterSeed{
		Serial:      serial,
		Name:        "Printer " + serial,
		IPAddress:   "192.0.2.30",
		AccessCode:  "12345678",
		AutoConnect: autoConnect,
	}
}

func TestSeedPrinters(t *testing.T) {
	h := newFleetHarness(t)
	ctx := context.Background()

	s := seed(serialA, true)
	s.Name = ""
	s.Model = "P1S"
	require.NoError(t, h.service.SeedPrinters(ctx, []config.PrinterSeed{s}))

	p, err := h.printers.GetBySerial(ctx, serialA)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, serialA, p.Name, "name defaults to the serial")
	require.NotNil(t, p.Model)
	assert.Equal(t, "P1S", *p.Model)
	assert.True(t, p.AutoConnect)
}

func TestAutoConnect(t *testing.T) {
	h := newFleetHarness(t, "SERIAL-DOWN")
	ctx := context.Background()

	noCode := seed("SERIAL-NOCODE", true)
	noCode.AccessCode = ""
	require.NoError(t, h.service.SeedPrinters(ctx, []config.PrinterSeed{
		seed(serialA, true),
		seed("SERIAL-MANUAL", false),
		seed("SERIAL-DOWN", true),
		noCode,
	}))

	n, err := h.service.AutoConnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{serialA}, h.manager.Serials())
	assert.Zero(t, h.sim.dialCount("SERIAL-MANUAL"))
	assert.Zero(t, h.sim.dialCount("SERIAL-NOCODE"))
	assert.Equal(t, 1, h.sim.dialCount("SERIAL-DOWN"))

	n, err = h.service.AutoConnect(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.sim.dialCount(serialA), "registered printers are skipped")
	assert.Equal(t, 2, h.sim.dialCount("SERIAL-DOWN"), "failed printers are retried")
}

func TestConnectUnknownPrinter(t *testing.T) {
	h := newFleetHarness(t)
	err := h.service.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownPrinter)
}

func TestConnectBroadcastsAndTouchesLastSeen(t *testing.T) {
	h := newFleetHarness(t)
	ctx := context.Background()
	require.NoError(t, h.service.SeedPrinters(ctx, []config.PrinterSeed{seed(serialA, false)}))

	require.NoError(t, h.service.Connect(ctx, serialA))

	payload := h.waitFor(t, websocket.TypePrinterConnected)
	assert.JSONEq(t, `{"serial":"`+serialA+`","connected":true,"status":"connected"}`, string(payload))
	require.Eventually(t, func() bool {
		p, err := h.printers.GetBySerial(ctx, serialA)
		return err == nil && p.LastSeenAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNozzleCountPersisted(t *testing.T) {
	h := newFleetHarness(t)
	ctx := context.Background()
	require.NoError(t, h.service.SeedPrinters(ctx, []config.PrinterSeed{seed(serialA, false)}))
	require.NoError(t, h.service.Connect(ctx, serialA))

	h.sim.deliver(t, serialA, map[string]any{"device": map[string]any{"extruder": map[string]any{
		"info": []any{map[string]any{"id": 0}, map[string]any{"id": 1}},
	}}})

	payload := h.waitFor(t, websocket.TypeNozzleCount)
	assert.JSONEq(t, `{"serial":"`+serialA+`","nozzle_count":2}`, string(payload))
	require.Eventually(t, func() bool {
		p, err := h.printers.GetBySerial(ctx, serialA)
		return err == nil && p.NozzleCount == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCompletedAssignmentPersisted(t *testing.T) {
	h := newFleetHarness(t)
	ctx := context.Background()
	require.NoError(t, h.service.SeedPrinters(ctx, []config.PrinterSeed{seed(serialA, false)}))
	require.NoError(t, h.service.Connect(ctx, serialA))

	slot := printer.SlotKey{AmsID: 0, TrayID: 2}
	require.NoError(t, h.manager.StageAssignment(serialA, slot, printer.PendingAssignment{
		SpoolID:     "spool-7",
		TrayInfoIdx: "GFL99",
		TrayType:    "PLA",
		TrayColor:   "FF0000FF",
		CaliIdx:     -1,
	}))

	h.sim.deliver(t, serialA, map[string]any{"ams": map[string]any{"ams": []any{map[string]any{
		"id":   "0",
		"tray": []any{map[string]any{"id": "2", "tray_type": "PLA"}},
	}}}})

	payload := h.waitFor(t, websocket.TypeAssignmentCompleted)
	var result websocket.AssignmentPayload
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "spool-7", result.SpoolID)

	require.Eventually(t, func() bool {
		a, err := h.slots.Get(ctx, serialA, 0, 2)
		return err == nil && a != nil && a.SpoolID == "spool-7"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateUpdatesBroadcast(t *testing.T) {
	h := newFleetHarness(t)
	ctx := context.Background()
	require.NoError(t, h.service.SeedPrinters(ctx, []config.PrinterSeed{seed(serialA, false)}))
	require.NoError(t, h.service.Connect(ctx, serialA))

	h.sim.deliver(t, serialA, map[string]any{"mc_percent": 42})

	payload := h.waitFor(t, websocket.TypePrinterState)
	var msg websocket.PrinterStatePayload
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, serialA, msg.Serial)
	require.NotNil(t, msg.State.PrintProgress)
	assert.Equal(t, 42, *msg.State.PrintProgress)
}
