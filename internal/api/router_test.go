package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/spoolbuddy/backend/internal/api/middleware"
	"github.com/spoolbuddy/backend/internal/fleet"
	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/websocket"
)

const serial = "01S00C000000001"

type published struct {
	Command string
	Body    map[string]any
}

// recorder dials gomock transports that record every publish.
type recorder struct {
	ctrl *gomock.Controller

	mu         sync.Mutex
	sent       []published
	publishErr error
	block      chan struct{}
	blocked    chan struct{}
}

func (rec *recorder) dial(o printer.TransportOptions) printer.Transport {
	m := printer.NewMockTransport(rec.ctrl)
	m.EXPECT().Connect(gomock.Any()).DoAndReturn(func(context.Context) error {
		o.OnConnect()
		return nil
	})
	m.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	m.EXPECT().Disconnect().AnyTimes()
	m.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ string, payload []byte) error {
		rec.mu.Lock()
		block, blocked := rec.block, rec.blocked
		rec.block, rec.blocked = nil, nil
		rec.mu.Unlock()
		if block != nil {
			close(blocked)
			<-block
		}

		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.publishErr != nil {
			return rec.publishErr
		}
		var envelope map[string]map[string]any
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return err
		}
		for _, body := range envelope {
			name, _ := body["command"].(string)
			rec.sent = append(rec.sent, published{Command: name, Body: body})
		}
		return nil
	}).AnyTimes()
	return m
}

func (rec *recorder) commands(name string) []published {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []published
	for _, p := range rec.sent {
		if p.Command == name {
			out = append(out, p)
		}
	}
	return out
}

// blockPublish parks the next publish until release is closed. The returned
// channel closes once that publish has started.
func (rec *recorder) blockPublish(release chan struct{}) <-chan struct{} {
	blocked := make(chan struct{})
	rec.mu.Lock()
	rec.block = release
	rec.blocked = blocked
	rec.mu.Unlock()
	return blocked
}

func (rec *recorder) failPublish(err error) {
	rec.mu.Lock()
	rec.publishErr = err
	rec.mu.Unlock()
}

type apiHarness struct {
	router *mux.Router
	rec    *recorder
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	return newAPIHarnessWithConfig(t, printer.DefaultConfig())
}

func newAPIHarnessWithConfig(t *testing.T, cfg printer.Config) *apiHarness {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "spoolbuddy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.RunMigrations(db, zerolog.Nop()))

	rec := &recorder{ctrl: gomock.NewController(t)}
	manager := printer.NewManager(cfg, zerolog.Nop(), printer.WithDialer(rec.dial))
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	hub := websocket.NewHub(zerolog.Nop())
	service := fleet.NewService(
		manager,
		storage.NewPrinterRepository(db),
		storage.NewSlotAssignmentRepository(db),
		websocket.NewEventBroadcaster(hub, zerolog.Nop()),
		zerolog.Nop(),
	)
	service.Start()

	return &apiHarness{
		router: NewRouter(Deps{
			Version: "test",
			DB:      db,
			Hub:     hub,
			Fleet:   service,
			Logger:  zerolog.Nop(),
		}),
		rec: rec,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// addConnected stores the test printer and connects it.
func (h *apiHarness) addConnected(t *testing.T) {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/printers", map[string]any{
		"serial":      serial,
		"name":        "Bench X1C",
		"ip_address":  "192.0.2.40",
		"access_code": "87654321",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = h.do(t, http.MethodPost, "/api/printers/"+serial+"/connect", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[middleware.ErrorResponse](t, w).Error
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","db_connected":true}`, w.Body.String())
}

func TestPrinterCRUD(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/printers", map[string]any{"name": "no serial"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, middleware.ErrValidation, errorCode(t, w))
	assert.Equal(t, map[string]any{"field": "serial"}, decode[middleware.ErrorResponse](t, w).Details)

	w = h.do(t, http.MethodPost, "/api/printers", map[string]any{
		"serial": serial, "ip_address": "192.0.2.40", "access_code": "secret",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "secret", "access code is never serialized")

	w = h.do(t, http.MethodGet, "/api/printers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, serial, list[0]["name"])
	assert.Equal(t, false, list[0]["connected"])
	assert.Equal(t, "disconnected", list[0]["status"])

	w = h.do(t, http.MethodPut, "/api/printers/"+serial, map[string]any{"name": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Renamed", decode[map[string]any](t, w)["name"])

	w = h.do(t, http.MethodPost, "/api/printers/"+serial+"/auto-connect", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["auto_connect"])

	w = h.do(t, http.MethodDelete, "/api/printers/"+serial, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodGet, "/api/printers/"+serial, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodDelete, "/api/printers/"+serial, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectUnknownPrinter(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodPost, "/api/printers/unknown/connect", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCommandsRequireConnection(t *testing.T) {
	h := newAPIHarness(t)

	for _, path := range []string{
		"/api/printers/" + serial + "/ams/0/tray/1/filament",
		"/api/printers/" + serial + "/ams/0/tray/1/calibration",
		"/api/printers/" + serial + "/ams/0/tray/1/reset",
		"/api/printers/" + serial + "/refresh",
	} {
		w := h.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, middleware.ErrNotConnected, errorCode(t, w), path)
	}

	w := h.do(t, http.MethodGet, "/api/printers/"+serial+"/calibrations", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(t, http.MethodGet, "/api/printers/"+serial+"/state", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetFilamentAppliesDefaults(t *testing.T) {
	h := newAPIHarness(t)
	h.addConnected(t)

	w := h.do(t, http.MethodPost, "/api/printers/"+serial+"/ams/1/tray/2/filament", map[string]any{
		"tray_info_idx": "GFA00",
		"tray_type":     "PLA",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	sent := h.rec.commands(printer.CommandAmsFilamentSetting)
	require.Len(t, sent, 1)
	body := sent[0].Body
	assert.EqualValues(t, 1, body["ams_id"])
	assert.EqualValues(t, 2, body["tray_id"])
	assert.EqualValues(t, 2, body["slot_id"])
	assert.Equal(t, "FFFFFFFF", body["tray_color"])
	assert.EqualValues(t, 190, body["nozzle_temp_min"])
	assert.EqualValues(t, 230, body["nozzle_temp_max"])
}

func TestSetCalibrationWithKValue(t *testing.T) {
	h := newAPIHarness(t)
	h.addConnected(t)

	w := h.do(t, http.MethodPost, "/api/printers/"+serial+"/ams/1/tray/2/calibration", map[string]any{
		"cali_idx":    4,
		"filament_id": "GFA00",
		"k_value":     0.025,
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	set := h.rec.commands(printer.CommandCalibrationSet)
	require.Len(t, set, 1)
	assert.InDelta(t, 0.025, set[0].Body["k_value"], 1e-9)
	assert.EqualValues(t, 6, set[0].Body["tray_id"], "global tray index")
	assert.EqualValues(t, 230, set[0].Body["nozzle_temp"])

	sel := h.rec.commands(printer.CommandCalibrationSelect)
	require.Len(t, sel, 1)
	assert.EqualValues(t, 4, sel[0].Body["cali_idx"])
	assert.EqualValues(t, 1, sel[0].Body["ams_id"])
	assert.EqualValues(t, 2, sel[0].Body["tray_id"])
	assert.Equal(t, "0.4", sel[0].Body["nozzle_diameter"])
}

func TestPublishFailureIsBadGateway(t *testing.T) {
	h := newAPIHarness(t)
	h.addConnected(t)
	h.rec.failPublish(errors.New("socket closed"))

	w := h.do(t, http.MethodPost, "/api/printers/"+serial+"/ams/0/tray/0/reset", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, middleware.ErrPublishFailed, errorCode(t, w))
}

func TestInvalidSlot(t *testing.T) {
	h := newAPIHarness(t)
	h.addConnected(t)

	w := h.do(t, http.MethodPost, "/api/printers/"+serial+"/ams/300/tray/0/reset", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, middleware.ErrBadRequest, errorCode(t, w))
}

func TestPendingAssignments(t *testing.T) {
	h := newAPIHarness(t)
	h.addConnected(t)
	slotPath := "/api/printers/" + serial + "/ams/0/tray/1/pending"

	w := h.do(t, http.MethodPut, slotPath, map[string]any{"tray_type": "PLA"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "spool_id is required")
	assert.Equal(t, map[string]any{"field": "spool_id"}, decode[middleware.ErrorResponse](t, w).Details)

	w = h.do(t, http.MethodPut, slotPath, map[string]any{"spool_id": "spool-1", "tray_type": "PLA"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	staged := decode[map[string]any](t, w)
	assert.Equal(t, "spool-1", staged["spool_id"])
	assert.EqualValues(t, 1, staged["tray_id"])
	assert.EqualValues(t, -1, staged["cali_idx"])
	assert.Equal(t, "0.4", staged["nozzle_diameter"])

	w = h.do(t, http.MethodGet, "/api/printers/"+serial+"/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 1)

	w = h.do(t, http.MethodDelete, slotPath, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodDelete, slotPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSlotAssignments(t *testing.T) {
	h := newAPIHarness(t)
	h.addConnected(t)
	assign := "/api/printers/" + serial + "/ams/0/tray/2/assign"

	w := h.do(t, http.MethodPost, assign, map[string]any{"spool_id": "spool-9"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodGet, "/api/printers/"+serial+"/assignments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]map[string]any](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "spool-9", list[0]["spool_id"])

	w = h.do(t, http.MethodDelete, assign, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodGet, "/api/printers/"+serial+"/assignments", nil)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = h.do(t, http.MethodPost, "/api/printers/other/ams/0/tray/0/assign", map[string]any{"spool_id": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatus(t *testing.T) {
	h := newAPIHarness(t)
	h.addConnected(t)

	w := h.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[map[string]any](t, w)
	assert.Equal(t, "test", status["version"])
	assert.EqualValues(t, 1, status["printers_count"])
	assert.EqualValues(t, 1, status["connected_count"])
	assert.Equal(t, map[string]any{serial: true}, status["connections"])
}

func calibrationGets(rec *recorder, nozzle string) int {
	n := 0
	for _, p := range rec.commands(printer.CommandCalibrationGet) {
		if p.Body["nozzle_diameter"] == nozzle {
			n++
		}
	}
	return n
}

func TestKProfilesSilentPrinterAnswersEmpty(t *testing.T) {
	cfg := printer.DefaultConfig()
	cfg.CalibrationRetries = 2
	cfg.CalibrationTimeout = 20 * time.Millisecond
	cfg.PublishTimeout = 20 * time.Millisecond
	h := newAPIHarnessWithConfig(t, cfg)
	h.addConnected(t)
	prefetched := calibrationGets(h.rec, "0.6")

	w := h.do(t, http.MethodGet, "/api/printers/"+serial+"/calibrations?nozzle_diameter=0.6", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
	assert.Equal(t, prefetched+2, calibrationGets(h.rec, "0.6"), "one request per attempt")

	w = h.do(t, http.MethodGet, "/api/printers/"+serial+"/calibrations?nozzle_diameter=0.6", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
	assert.Equal(t, prefetched+2, calibrationGets(h.rec, "0.6"), "empty list is cached")
}

func TestKProfilesQueuedPastDeadline(t *testing.T) {
	cfg := printer.DefaultConfig()
	cfg.CalibrationRetries = 1
	cfg.CalibrationTimeout = 30 * time.Millisecond
	cfg.PublishTimeout = 10 * time.Millisecond
	h := newAPIHarnessWithConfig(t, cfg)
	h.addConnected(t)

	// A request parked on a slow publish holds the per-printer lock well
	// past the second request's own allowance.
	release := make(chan struct{})
	blocked := h.rec.blockPublish(release)
	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- h.do(t, http.MethodGet, "/api/printers/"+serial+"/calibrations?nozzle_diameter=0.2", nil)
	}()
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never published")
	}

	w := h.do(t, http.MethodGet, "/api/printers/"+serial+"/calibrations?nozzle_diameter=0.8", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
	assert.Equal(t, middleware.ErrTimeout, errorCode(t, w))

	close(release)
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first request did not finish")
	}
}
