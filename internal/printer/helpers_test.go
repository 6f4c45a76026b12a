package printer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testSerial = "01P00A000000001"

// sentCommand is one decoded publish seen by a fakeTransport.
type sentCommand struct {
	Topic string
	Name  string
	Body  map[string]any
}

// fakeTransport behaves like a transport whose broker is the test: Connect
// fires OnConnect synchronously and deliver plays the transport goroutine.
type fakeTransport struct {
	opts TransportOptions

	mu         sync.Mutex
	connectErr error
	publishErr error
	handlers   map[string]func([]byte)
	sent       []sentCommand
	disconnect int

	// respond runs after every successful publish, outside the lock.
	respond func(f *fakeTransport, cmd sentCommand)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.opts.OnConnect != nil {
		f.opts.OnConnect()
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnect++
	f.mu.Unlock()
}

func (f *fakeTransport) Subscribe(topic string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	if f.publishErr != nil {
		err := f.publishErr
		f.mu.Unlock()
		return err
	}
	var envelope map[string]map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		f.mu.Unlock()
		return err
	}
	cmd := sentCommand{Topic: topic}
	for _, body := range envelope {
		cmd.Body = body
		cmd.Name, _ = body["command"].(string)
	}
	f.sent = append(f.sent, cmd)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(f, cmd)
	}
	return nil
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setRespond(fn func(f *fakeTransport, cmd sentCommand)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

// deliverRaw hands payload to the report subscription.
func (f *fakeTransport) deliverRaw(t *testing.T, payload []byte) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[ReportTopic(serialFromClientID(f.opts.ClientID))]
	f.mu.Unlock()
	require.NotNil(t, handler, "report topic not subscribed")
	handler(payload)
}

// deliver wraps body in a print envelope and delivers it.
func (f *fakeTransport) deliver(t *testing.T, body map[string]any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"print": body})
	require.NoError(t, err)
	f.deliverRaw(t, payload)
}

func (f *fakeTransport) dropConnection() {
	f.opts.OnConnectionLost(errors.New("connection reset by peer"))
}

func (f *fakeTransport) reconnect() {
	f.opts.OnConnect()
}

func (f *fakeTransport) commands(name string) []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentCommand
	for _, c := range f.sent {
		if name == "" || c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func (f *fakeTransport) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnect
}

func serialFromClientID(id string) string {
	return id[len(DefaultConfig().ClientIDPrefix):]
}

// fakeDialer hands out fakeTransports keyed by serial.
type fakeDialer struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	dials      int
	connectErr error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transports: make(map[string]*fakeTransport)}
}

func (d *fakeDialer) dial(opts TransportOptions) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	f := &fakeTransport{
		opts:       opts,
		handlers:   make(map[string]func([]byte)),
		connectErr: d.connectErr,
	}
	d.transports[serialFromClientID(opts.ClientID)] = f
	return f
}

func (d *fakeDialer) get(serial string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[serial]
}

// testClock backs a MockClock with a time the test advances.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	m      *Manager
	dialer *fakeDialer
	clock  *testClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CalibrationTimeout = 20 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	clk := &testClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
	mockClock := NewMockClock(ctrl)
	mockClock.EXPECT().Now().DoAndReturn(clk.Now).AnyTimes()

	d := newFakeDialer()
	m := NewManager(cfg, zerolog.Nop(), WithDialer(d.dial), WithClock(mockClock))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return &harness{t: t, m: m, dialer: d, clock: clk}
}

func (h *harness) connect(serial string) *fakeTransport {
	h.t.Helper()
	err := h.m.Connect(context.Background(), Info{
		Serial:     serial,
		Address:    "192.0.2.10",
		AccessCode: "12345678",
		Name:       "Workshop",
	})
	require.NoError(h.t, err)
	f := h.dialer.get(serial)
	require.NotNil(h.t, f)
	return f
}

func (h *harness) conn(serial string) *Connection {
	h.t.Helper()
	c, ok := h.m.connection(serial)
	require.True(h.t, ok)
	return c
}

// receive waits for one value from ch.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	var zero T
	return zero
}

// tray builds a tray report entry.
func tray(id int, trayType string) map[string]any {
	return map[string]any{
		"id":              id,
		"tray_type":       trayType,
		"tray_color":      "FF0000FF",
		"tray_info_idx":   "GFL99",
		"nozzle_temp_min": "190",
		"nozzle_temp_max": "230",
		"remain":          80,
	}
}

func amsFixture(trays ...map[string]any) map[string]any {
	list := make([]any, len(trays))
	for i, tr := range trays {
		list[i] = tr
	}
	return map[string]any{
		"ams": map[string]any{
			"ams": []any{
				map[string]any{"id": "0", "humidity": "4", "temp": "24.5", "tray": list},
			},
		},
	}
}

func calibrationReply(nozzle string, profiles ...map[string]any) map[string]any {
	list := make([]any, len(profiles))
	for i, p := range profiles {
		list[i] = p
	}
	return map[string]any{
		"command":         CommandCalibrationGet,
		"nozzle_diameter": nozzle,
		"filaments":       list,
	}
}

func profile(idx int, name, k string) map[string]any {
	return map[string]any{
		"cali_idx":    idx,
		"filament_id": "GFA00",
		"k_value":     k,
		"name":        name,
		"setting_id":  "GFSA00",
	}
}
