package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/spoolbuddy/backend/internal/api/middleware"
	"github.com/spoolbuddy/backend/internal/fleet"
	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/storage/models"
)

// PrinterResponse is a stored printer with its live connection status.
type PrinterResponse struct {
	models.Printer
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

// PrinterRequest is the body of create and update requests. Nil fields are
// left unchanged on update.
type PrinterRequest struct {
	Serial      string  `json:"serial"`
	Name        *string `json:"name"`
	Model       *string `json:"model"`
	IPAddress   *string `json:"ip_address"`
	AccessCode  *string `json:"access_code"`
	AutoConnect *bool   `json:"auto_connect"`
}

func (req PrinterRequest) apply(p *models.Printer) {
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Model != nil {
		p.Model = req.Model
	}
	if req.IPAddress != nil {
		p.IPAddress = strings.TrimSpace(*req.IPAddress)
	}
	if req.AccessCode != nil {
		p.AccessCode = *req.AccessCode
	}
	if req.AutoConnect != nil {
		p.AutoConnect = *req.AutoConnect
	}
}

func withStatus(p models.Printer, manager *printer.Manager) PrinterResponse {
	return PrinterResponse{
		Printer:   p,
		Connected: manager.IsConnected(p.Serial),
		Status:    manager.Status(p.Serial).String(),
	}
}

// ListPrinters returns every stored printer with its connection status.
func ListPrinters(repo *storage.PrinterRepository, manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		printers, err := repo.List(r.Context())
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query printers")
			return
		}

		out := make([]PrinterResponse, 0, len(printers))
		for _, p := range printers {
			out = append(out, withStatus(p, manager))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GetPrinter returns a single printer.
func GetPrinter(repo *storage.PrinterRepository, manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := repo.GetBySerial(r.Context(), mux.Vars(r)["serial"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query printer")
			return
		}
		if p == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Printer not found")
			return
		}
		writeJSON(w, http.StatusOK, withStatus(*p, manager))
	}
}

// CreatePrinter stores a new printer, or updates the identity fields of an
// existing one with the same serial.
func CreatePrinter(repo *storage.PrinterRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PrinterRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		req.Serial = strings.TrimSpace(req.Serial)
		if req.Serial == "" {
			writeInvalid(w, "serial", "Serial is required")
			return
		}

		p := &models.Printer{Serial: req.Serial, Name: req.Serial}
		req.apply(p)
		if p.Name == "" {
			p.Name = p.Serial
		}

		if err := repo.Upsert(r.Context(), p); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to save printer")
			return
		}
		stored, err := repo.GetBySerial(r.Context(), p.Serial)
		if err != nil || stored == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to load printer")
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	}
}

// UpdatePrinter applies a partial update to a stored printer.
func UpdatePrinter(repo *storage.PrinterRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, err := repo.GetBySerial(ctx, mux.Vars(r)["serial"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query printer")
			return
		}
		if p == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Printer not found")
			return
		}

		var req PrinterRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		req.apply(p)
		if p.Name == "" {
			writeInvalid(w, "name", "Name must not be empty")
			return
		}

		if err := repo.Update(ctx, p); err != nil {
			writePrinterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// ToggleAutoConnect flips a printer's auto-connect flag.
func ToggleAutoConnect(repo *storage.PrinterRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, err := repo.GetBySerial(ctx, mux.Vars(r)["serial"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query printer")
			return
		}
		if p == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Printer not found")
			return
		}

		p.AutoConnect = !p.AutoConnect
		if err := repo.Update(ctx, p); err != nil {
			writePrinterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// DeletePrinter disconnects and removes a printer.
func DeletePrinter(repo *storage.PrinterRepository, manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := mux.Vars(r)["serial"]
		manager.Disconnect(serial)

		if err := repo.Delete(r.Context(), serial); err != nil {
			writePrinterError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ConnectPrinter opens a session with a stored printer.
func ConnectPrinter(service *fleet.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := service.Connect(r.Context(), mux.Vars(r)["serial"])
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, fleet.ErrUnknownPrinter), errors.Is(err, printer.ErrConnect):
			writePrinterError(w, err)
		default:
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, err.Error())
		}
	}
}

// DisconnectPrinter closes a printer's session.
func DisconnectPrinter(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		manager.Disconnect(mux.Vars(r)["serial"])
		w.WriteHeader(http.StatusNoContent)
	}
}

// RefreshPrinter asks the printer for a full state push.
func RefreshPrinter(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := manager.RefreshState(mux.Vars(r)["serial"]); err != nil {
			writePrinterError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetPrinterState returns the last observed device state.
func GetPrinterState(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, ok := manager.State(mux.Vars(r)["serial"])
		if !ok {
			writePrinterError(w, printer.ErrNotConnected)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}
