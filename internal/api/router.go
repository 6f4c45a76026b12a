// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/spoolbuddy/backend/internal/api/handlers"
	"github.com/spoolbuddy/backend/internal/api/middleware"
	"github.com/spoolbuddy/backend/internal/fleet"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/websocket"
)

// Deps are the services the routes are built from.
type Deps struct {
	Version   string
	DB        *storage.DB
	Hub       *websocket.Hub
	Fleet     *fleet.Service
	Scheduler handlers.NextRunner
	StaticDir string
	Logger    zerolog.Logger
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(d Deps) *mux.Router {
	manager := d.Fleet.Manager()
	printers := storage.NewPrinterRepository(d.DB)
	slots := storage.NewSlotAssignmentRepository(d.DB)
	logger := d.Logger.With().Str("component", "api").Logger()

	r := mux.NewRouter()

	r.Use(middleware.Logging(logger))
	r.Use(middleware.ErrorRecovery(logger))

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(d.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(d.Version, printers, manager, d.Hub, d.Scheduler)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub, manager, d.Logger)).Methods("GET")

	// Printer endpoints
	api.HandleFunc("/printers", handlers.ListPrinters(printers, manager)).Methods("GET")
	api.HandleFunc("/printers", handlers.CreatePrinter(printers)).Methods("POST")
	api.HandleFunc("/printers/{serial}", handlers.GetPrinter(printers, manager)).Methods("GET")
	api.HandleFunc("/printers/{serial}", handlers.UpdatePrinter(printers)).Methods("PUT")
	api.HandleFunc("/printers/{serial}", handlers.DeletePrinter(printers, manager)).Methods("DELETE")
	api.HandleFunc("/printers/{serial}/connect", handlers.ConnectPrinter(d.Fleet)).Methods("POST")
	api.HandleFunc("/printers/{serial}/disconnect", handlers.DisconnectPrinter(manager)).Methods("POST")
	api.HandleFunc("/printers/{serial}/auto-connect", handlers.ToggleAutoConnect(printers)).Methods("POST")
	api.HandleFunc("/printers/{serial}/refresh", handlers.RefreshPrinter(manager)).Methods("POST")
	api.HandleFunc("/printers/{serial}/state", handlers.GetPrinterState(manager)).Methods("GET")

	// Calibration endpoints
	api.HandleFunc("/printers/{serial}/calibrations", handlers.GetKProfiles(manager)).Methods("GET")
	api.HandleFunc("/printers/{serial}/calibrations/table", handlers.GetCalibrationTable(manager)).Methods("GET")

	// Slot endpoints
	slot := "/printers/{serial}/ams/{ams_id:[0-9]+}/tray/{tray_id:[0-9]+}"
	api.HandleFunc(slot+"/filament", handlers.SetFilament(manager)).Methods("POST")
	api.HandleFunc(slot+"/calibration", handlers.SetCalibration(manager)).Methods("POST")
	api.HandleFunc(slot+"/reset", handlers.ResetSlot(manager)).Methods("POST")
	api.HandleFunc(slot+"/pending", handlers.StageAssignment(manager)).Methods("PUT")
	api.HandleFunc(slot+"/pending", handlers.CancelAssignment(manager)).Methods("DELETE")
	api.HandleFunc(slot+"/assign", handlers.AssignSlot(slots, printers)).Methods("POST")
	api.HandleFunc(slot+"/assign", handlers.UnassignSlot(slots)).Methods("DELETE")

	// Assignment listings
	api.HandleFunc("/printers/{serial}/pending", handlers.ListPendingAssignments(manager)).Methods("GET")
	api.HandleFunc("/printers/{serial}/assignments", handlers.ListSlotAssignments(slots)).Methods("GET")

	// Serve static frontend files
	if d.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(d.StaticDir)))
	}

	return r
}
