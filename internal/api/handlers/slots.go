package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/spoolbuddy/backend/internal/api/middleware"
	"github.com/spoolbuddy/backend/internal/printer"
)

// Defaults applied to omitted request fields.
const (
	defaultTrayColor     = "FFFFFFFF"
	defaultNozzleTempMin = 190
	defaultNozzleTempMax = 230
	defaultCaliIdx       = -1
)

// FilamentRequest sets the filament shown for a slot.
type FilamentRequest struct {
	TrayInfoIdx   string `json:"tray_info_idx"`
	TrayType      string `json:"tray_type"`
	TraySubBrands string `json:"tray_sub_brands"`
	TrayColor     string `json:"tray_color"`
	NozzleTempMin *int   `json:"nozzle_temp_min"`
	NozzleTempMax *int   `json:"nozzle_temp_max"`
	SettingID     string `json:"setting_id"`
}

// CalibrationRequest selects a K-profile for a slot. A positive KValue is
// also written directly with extrusion_cali_set.
type CalibrationRequest struct {
	CaliIdx        *int    `json:"cali_idx"`
	FilamentID     string  `json:"filament_id"`
	NozzleDiameter string  `json:"nozzle_diameter"`
	SettingID      string  `json:"setting_id"`
	KValue         float64 `json:"k_value"`
	NozzleTempMax  *int    `json:"nozzle_temp_max"`
}

func orDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// SetFilament writes filament type, color and temperatures into a slot.
func SetFilament(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := slotFromRequest(r)
		if !ok {
			writeBadSlot(w)
			return
		}
		var req FilamentRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.TrayColor == "" {
			req.TrayColor = defaultTrayColor
		}

		err := manager.SetFilament(mux.Vars(r)["serial"], printer.FilamentSetting{
			AmsID:         slot.AmsID,
			TrayID:        slot.TrayID,
			TrayInfoIdx:   req.TrayInfoIdx,
			SettingID:     req.SettingID,
			TrayType:      req.TrayType,
			TraySubBrands: req.TraySubBrands,
			TrayColor:     req.TrayColor,
			NozzleTempMin: orDefault(req.NozzleTempMin, defaultNozzleTempMin),
			NozzleTempMax: orDefault(req.NozzleTempMax, defaultNozzleTempMax),
		})
		if err != nil {
			writePrinterError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SetCalibration selects a K-profile for a slot.
func SetCalibration(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := mux.Vars(r)["serial"]
		slot, ok := slotFromRequest(r)
		if !ok {
			writeBadSlot(w)
			return
		}
		var req CalibrationRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if req.NozzleDiameter == "" {
			req.NozzleDiameter = printer.DefaultNozzleDiameter
		}

		if req.KValue > 0 {
			err := manager.SetKValue(serial, printer.KValueSetting{
				TrayID:         printer.GlobalTrayID(slot.AmsID, slot.TrayID),
				KValue:         req.KValue,
				NozzleDiameter: req.NozzleDiameter,
				NozzleTemp:     orDefault(req.NozzleTempMax, defaultNozzleTempMax),
			})
			if err != nil {
				writePrinterError(w, err)
				return
			}
		}

		err := manager.SetCalibration(serial, printer.CalibrationSelection{
			AmsID:          slot.AmsID,
			TrayID:         slot.TrayID,
			CaliIdx:        orDefault(req.CaliIdx, defaultCaliIdx),
			FilamentID:     req.FilamentID,
			NozzleDiameter: req.NozzleDiameter,
			SettingID:      req.SettingID,
		})
		if err != nil {
			writePrinterError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ResetSlot asks the printer to re-read the slot's RFID tag.
func ResetSlot(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := slotFromRequest(r)
		if !ok {
			writeBadSlot(w)
			return
		}
		if err := manager.ResetSlot(mux.Vars(r)["serial"], slot); err != nil {
			writePrinterError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetKProfiles returns the printer's K-profiles for ?nozzle_diameter,
// defaulting to the diameter observed on extruder 0. The wait covers one
// fetch queued ahead of this one plus this one's own attempts.
func GetKProfiles(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := mux.Vars(r)["serial"]
		nozzle := r.URL.Query().Get("nozzle_diameter")
		if nozzle == "" {
			nozzle = manager.NozzleDiameter(serial, 0)
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*manager.CalibrationBudget())
		defer cancel()

		profiles, err := manager.KProfiles(ctx, serial, nozzle)
		if err != nil {
			writePrinterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profiles)
	}
}

// GetCalibrationTable returns every calibration profile seen so far.
func GetCalibrationTable(manager *printer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table, err := manager.Calibrations(mux.Vars(r)["serial"])
		if err != nil {
			writePrinterError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, table)
	}
}
