package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbConnected := db.Healthy(ctx) == nil

		status := "healthy"
		code := http.StatusOK
		if !dbConnected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, HealthResponse{
			Status:      status,
			DBConnected: dbConnected,
		})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	Version           string               `json:"version"`
	PrintersCount     int                  `json:"printers_count"`
	RegisteredCount   int                  `json:"registered_count"`
	ConnectedCount    int                  `json:"connected_count"`
	Connections       map[string]bool      `json:"connections"`
	WebSocketClients  int                  `json:"websocket_clients"`
	NextScheduledRuns map[string]time.Time `json:"next_scheduled_runs,omitempty"`
}

// NextRunner reports upcoming scheduled job times.
type NextRunner interface {
	NextRuns() map[string]time.Time
}

// Status returns a handler that provides system status information.
func Status(
	version string,
	printers *storage.PrinterRepository,
	manager *printer.Manager,
	hub *websocket.Hub,
	scheduler NextRunner,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, err := printers.List(r.Context())
		if err != nil {
			writePrinterError(w, err)
			return
		}

		connections := manager.ConnectionStatuses()
		connected := 0
		for _, ok := range connections {
			if ok {
				connected++
			}
		}

		response := StatusResponse{
			Version:          version,
			PrintersCount:    len(stored),
			RegisteredCount:  len(connections),
			ConnectedCount:   connected,
			Connections:      connections,
			WebSocketClients: hub.ClientCount(),
		}
		if scheduler != nil {
			response.NextScheduledRuns = scheduler.NextRuns()
		}

		writeJSON(w, http.StatusOK, response)
	}
}
