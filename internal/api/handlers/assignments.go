package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/spoolbuddy/backend/internal/api/middleware"
	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/storage/models"
)

// StageRequest stages a spool for a slot; it is configured once the
// printer reports a spool inserted there.
type StageRequest struct {
	SpoolID        string `json:"spool_id"`
	TrayInfoIdx    string `json:"tray_info_idx"`
	SettingID      string `json:"setting_id"`
	TrayType       string `json:"tray_type"`
	TrayColor      string `json:"tray_color"`
	NozzleTempMin  *int   `json:"nozzle_temp_min"`
	NozzleTempMax  *int   `json:"nozzle_temp_max"`
	CaliIdx        *int   `json:"cali_idx"`
	NozzleDiameter string `json:"nozzle_diameter"`
}

// PendingResponse is one staged assignment.
type PendingResponse struct {
	printer.SlotKey
	printer.PendingAssignment
}

// AssignRequest records a spool in a slot without touching the printer.
type AssignRequest struct {
	SpoolID string `json:"spool_id"`
}

// StageAssignment stages a spool for a slot, replacing any earlier one.
func StageAssignment(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := mux.Vars(r)["serial"]
		slot, ok := slotFromRequest(r)
		if !ok {
			writeBadSlot(w)
			return
		}
		var req StageRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		req.SpoolID = strings.TrimSpace(req.SpoolID)
		if req.SpoolID == "" {
			writeInvalid(w, "spool_id", "spool_id is required")
			return
		}
		if req.TrayColor == "" {
			req.TrayColor = defaultTrayColor
		}
		if req.NozzleDiameter == "" {
			req.NozzleDiameter = manager.NozzleDiameter(serial, 0)
		}

		a := printer.PendingAssignment{
			SpoolID:        req.SpoolID,
			TrayInfoIdx:    req.TrayInfoIdx,
			SettingID:      req.SettingID,
			TrayType:       req.TrayType,
			TrayColor:      req.TrayColor,
			NozzleTempMin:  orDefault(req.NozzleTempMin, defaultNozzleTempMin),
			NozzleTempMax:  orDefault(req.NozzleTempMax, defaultNozzleTempMax),
			CaliIdx:        orDefault(req.CaliIdx, defaultCaliIdx),
			NozzleDiameter: req.NozzleDiameter,
		}
		if err := manager.StageAssignment(serial, slot, a); err != nil {
			writePrinterError(w, err)
			return
		}

		staged, _ := manager.PendingAssignment(serial, slot)
		writeJSON(w, http.StatusAccepted, PendingResponse{SlotKey: slot, PendingAssignment: staged})
	}
}

// CancelAssignment removes a staged assignment.
func CancelAssignment(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := slotFromRequest(r)
		if !ok {
			writeBadSlot(w)
			return
		}
		cancelled, err := manager.CancelAssignment(mux.Vars(r)["serial"], slot)
		if err != nil {
			writePrinterError(w, err)
			return
		}
		if !cancelled {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "No pending assignment for slot")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListPendingAssignments returns a printer's staged assignments ordered by slot.
func ListPendingAssignments(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := manager.PendingAssignments(mux.Vars(r)["serial"])
		if err != nil {
			writePrinterError(w, err)
			return
		}

		out := make([]PendingResponse, 0, len(pending))
		for key, a := range pending {
			out = append(out, PendingResponse{SlotKey: key, PendingAssignment: a})
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].AmsID != out[j].AmsID {
				return out[i].AmsID < out[j].AmsID
			}
			return out[i].TrayID < out[j].TrayID
		})
		writeJSON(w, http.StatusOK, out)
	}
}

// ListSlotAssignments returns the spools recorded in a printer's slots.
func ListSlotAssignments(repo *storage.SlotAssignmentRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assignments, err := repo.ListByPrinter(r.Context(), mux.Vars(r)["serial"])
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query assignments")
			return
		}
		if assignments == nil {
			assignments = []models.SlotAssignment{}
		}
		writeJSON(w, http.StatusOK, assignments)
	}
}

// AssignSlot records a spool in a slot.
func AssignSlot(repo *storage.SlotAssignmentRepository, printers *storage.PrinterRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		serial := mux.Vars(r)["serial"]
		slot, ok := slotFromRequest(r)
		if !ok {
			writeBadSlot(w)
			return
		}
		var req AssignRequest
		if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.SpoolID) == "" {
			writeInvalid(w, "spool_id", "spool_id is required")
			return
		}

		p, err := printers.GetBySerial(ctx, serial)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query printer")
			return
		}
		if p == nil {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Printer not found")
			return
		}

		a, err := repo.Assign(ctx, serial, slot.AmsID, slot.TrayID, strings.TrimSpace(req.SpoolID))
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to save assignment")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// UnassignSlot clears the spool recorded in a slot. The printer's filament
// setting is left as is.
func UnassignSlot(repo *storage.SlotAssignmentRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := slotFromRequest(r)
		if !ok {
			writeBadSlot(w)
			return
		}
		if _, err := repo.Unassign(r.Context(), mux.Vars(r)["serial"], slot.AmsID, slot.TrayID); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to remove assignment")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
