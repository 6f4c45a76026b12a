package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spoolbuddy/backend/internal/printer"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func next(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data, ok := <-c.Send():
		require.True(t, ok, "client channel closed")
		var raw struct {
			Type    MessageType     `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &raw))
		return Message{Type: raw.Type, Payload: raw.Payload}
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub, _ := startHub(t)
	a, b := NewClient(hub), NewClient(hub)
	hub.Register(a)
	hub.Register(b)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, time.Millisecond)

	events := NewEventBroadcaster(hub, zerolog.Nop())
	events.BroadcastNozzleCount("S1", 2)

	for _, c := range []*Client{a, b} {
		msg := next(t, c)
		assert.Equal(t, TypeNozzleCount, msg.Type)
		assert.JSONEq(t, `{"serial":"S1","nozzle_count":2}`, string(msg.Payload.(json.RawMessage)))
	}
}

func TestHubUnregisterClosesClient(t *testing.T) {
	hub, _ := startHub(t)
	c := NewClient(hub)
	hub.Register(c)
	hub.Unregister(c)

	_, ok := <-c.Send()
	assert.False(t, ok)
	assert.Zero(t, hub.ClientCount())
	assert.False(t, hub.SendTo(c, []byte("late")))
}

func TestHubStopClosesClients(t *testing.T) {
	hub, cancel := startHub(t)
	c := NewClient(hub)
	hub.Register(c)
	cancel()

	select {
	case _, ok := <-c.Send():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("client not closed on shutdown")
	}

	late := NewClient(hub)
	hub.Register(late)
	_, ok := <-late.Send()
	assert.False(t, ok, "registration after shutdown is refused")
	hub.Unregister(late)
}

func TestSendToTargetsOneClient(t *testing.T) {
	hub, _ := startHub(t)
	a, b := NewClient(hub), NewClient(hub)
	hub.Register(a)
	hub.Register(b)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, time.Millisecond)

	assert.True(t, hub.SendTo(a, []byte(`{"type":"pong"}`)))
	assert.Equal(t, TypePong, next(t, a).Type)
	assert.Empty(t, b.Send())
}

func TestBroadcasterPayloads(t *testing.T) {
	hub, _ := startHub(t)
	c := NewClient(hub)
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)
	events := NewEventBroadcaster(hub, zerolog.Nop())

	events.BroadcastPrinterDisconnected("S1", printer.StateDisconnectedInGrace)
	msg := next(t, c)
	assert.Equal(t, TypePrinterDisconnected, msg.Type)
	assert.JSONEq(t, `{"serial":"S1","connected":true,"status":"reconnecting"}`, string(msg.Payload.(json.RawMessage)))

	events.BroadcastAssignmentCompleted(printer.AssignmentResult{
		Serial: "S1", AmsID: 1, TrayID: 2, SpoolID: "sp", Err: errors.New("boom"),
	})
	msg = next(t, c)
	assert.Equal(t, TypeAssignmentCompleted, msg.Type)
	assert.JSONEq(t, `{"serial":"S1","ams_id":1,"tray_id":2,"spool_id":"sp","success":false,"error":"boom"}`,
		string(msg.Payload.(json.RawMessage)))

	previous := 2
	events.BroadcastTrayReading("S1", &previous, 0)
	msg = next(t, c)
	assert.JSONEq(t, `{"serial":"S1","previous":2,"current":0}`, string(msg.Payload.(json.RawMessage)))

	events.BroadcastPrinterState("S1", printer.DeviceState{NozzleCount: 1})
	msg = next(t, c)
	assert.Equal(t, TypePrinterState, msg.Type)
	var state PrinterStatePayload
	require.NoError(t, json.Unmarshal(msg.Payload.(json.RawMessage), &state))
	assert.Equal(t, 1, state.State.NozzleCount)
}
