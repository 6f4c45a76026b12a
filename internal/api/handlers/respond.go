// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/spoolbuddy/backend/internal/api/middleware"
	"github.com/spoolbuddy/backend/internal/fleet"
	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// writePrinterError maps manager and storage errors onto API errors.
func writePrinterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, printer.ErrNotConnected):
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrNotConnected, "Printer not connected")
	case errors.Is(err, printer.ErrPublish):
		middleware.WriteError(w, http.StatusBadGateway, middleware.ErrPublishFailed, err.Error())
	case errors.Is(err, printer.ErrConnect):
		middleware.WriteError(w, http.StatusBadGateway, middleware.ErrConnectFailed, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		middleware.WriteError(w, http.StatusGatewayTimeout, middleware.ErrTimeout, "Printer did not answer in time")
	case errors.Is(err, fleet.ErrUnknownPrinter), errors.Is(err, storage.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Printer not found")
	default:
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, err.Error())
	}
}

// ValidationDetails names the request field that failed validation.
type ValidationDetails struct {
	Field string `json:"field"`
}

func writeInvalid(w http.ResponseWriter, field, message string) {
	middleware.WriteErrorWithDetails(w, http.StatusBadRequest, middleware.ErrValidation, message, ValidationDetails{Field: field})
}

// slotFromRequest reads the {ams_id} and {tray_id} path variables.
func slotFromRequest(r *http.Request) (printer.SlotKey, bool) {
	vars := mux.Vars(r)
	amsID, err := strconv.Atoi(vars["ams_id"])
	if err != nil || amsID < 0 || amsID > printer.VirtualAmsID {
		return printer.SlotKey{}, false
	}
	trayID, err := strconv.Atoi(vars["tray_id"])
	if err != nil || trayID < 0 {
		return printer.SlotKey{}, false
	}
	return printer.SlotKey{AmsID: amsID, TrayID: trayID}, true
}

func writeBadSlot(w http.ResponseWriter) {
	middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid AMS or tray id")
}
