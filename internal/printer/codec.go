package printer

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Command names understood by the printer.
const (
	CommandPushAll            = "pushall"
	CommandCalibrationGet     = "extrusion_cali_get"
	CommandCalibrationSelect  = "extrusion_cali_sel"
	CommandCalibrationSet     = "extrusion_cali_set"
	CommandAmsFilamentSetting = "ams_filament_setting"
	CommandAmsGetRFID         = "ams_get_rfid"
)

// sequenceID is sent with every command. Ordering comes from the single
// request topic, so the firmware's sequence field is never used to match
// replies.
const sequenceID = "1"

// VirtualAmsID addresses the external spool holder (vt_tray).
const VirtualAmsID = 255

// DefaultNozzleDiameter is assumed until the printer reports its nozzle.
const DefaultNozzleDiameter = "0.4"

// Sentinel "snow" values meaning the extruder has no tray loaded.
const (
	snowNoTray       = 0xFFFF
	snowNoTrayLegacy = 0xFEFF
)

// RequestTopic is where commands for serial are published.
func RequestTopic(serial string) string {
	return fmt.Sprintf("device/%s/request", serial)
}

// ReportTopic carries telemetry from serial.
func ReportTopic(serial string) string {
	return fmt.Sprintf("device/%s/report", serial)
}

// SlotID maps a feeder/tray pair onto the slot_id field commands expect.
// Standard four-slot feeders (ams 0..3) address by tray; AMS-HT (128..135)
// and the external spool holder always use slot 0.
func SlotID(amsID, trayID int) int {
	if amsID >= 0 && amsID <= 3 {
		return trayID
	}
	return 0
}

// GlobalTrayID flattens a feeder/tray pair into the printer-wide tray index
// used by extrusion_cali_set. Other feeder ids pass the tray through.
func GlobalTrayID(amsID, trayID int) int {
	switch {
	case amsID >= 0 && amsID <= 3:
		return amsID*4 + trayID
	case amsID >= 128 && amsID <= 135:
		return 16 + (amsID - 128)
	default:
		return trayID
	}
}

// DecodeSnow converts an extruder's packed tray field (feeder id in the
// high byte, local slot in the low byte) into a global tray index. The
// second result is false for the "no tray" sentinels.
func DecodeSnow(raw int) (int, bool) {
	if raw == snowNoTray || raw == snowNoTrayLegacy {
		return 0, false
	}
	feeder := (raw >> 8) & 0xFF
	slot := raw & 0xFF
	switch {
	case feeder <= 3:
		return feeder*4 + slot, true
	case feeder >= 128:
		return 16 + (feeder - 128), true
	default:
		return raw, true
	}
}

// ActiveExtruder extracts the extruder in use from device.extruder.state.
func ActiveExtruder(state int) int {
	return (state >> 4) & 0xF
}

// FeederExtruder derives which nozzle a feeder serves from its info word.
// Bit 8 set means the right nozzle (id 0).
func FeederExtruder(info int) int {
	return 1 - ((info >> 8) & 0x1)
}

// NormalizeNozzle renders a nozzle diameter the way replies report it, so
// "0.40" and 0.4 compare equal.
func NormalizeNozzle(diameter string) string {
	f, err := strconv.ParseFloat(diameter, 64)
	if err != nil {
		return diameter
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

type printEnvelope struct {
	Print any `json:"print"`
}

type pushingEnvelope struct {
	Pushing any `json:"pushing"`
}

type pushAllCommand struct {
	Command    string `json:"command"`
	SequenceID string `json:"sequence_id"`
}

type calibrationGetCommand struct {
	Command        string `json:"command"`
	FilamentID     string `json:"filament_id"`
	NozzleDiameter string `json:"nozzle_diameter"`
	SequenceID     string `json:"sequence_id"`
}

type calibrationSelectCommand struct {
	Command        string `json:"command"`
	CaliIdx        int    `json:"cali_idx"`
	FilamentID     string `json:"filament_id"`
	NozzleDiameter string `json:"nozzle_diameter"`
	AmsID          int    `json:"ams_id"`
	TrayID         int    `json:"tray_id"`
	SlotID         int    `json:"slot_id"`
	SequenceID     string `json:"sequence_id"`
	SettingID      string `json:"setting_id,omitempty"`
}

type calibrationSetCommand struct {
	Command            string  `json:"command"`
	TrayID             int     `json:"tray_id"`
	KValue             float64 `json:"k_value"`
	NCoef              float64 `json:"n_coef"`
	NozzleDiameter     string  `json:"nozzle_diameter"`
	BedTemp            int     `json:"bed_temp"`
	NozzleTemp         int     `json:"nozzle_temp"`
	MaxVolumetricSpeed float64 `json:"max_volumetric_speed"`
	SequenceID         string  `json:"sequence_id"`
}

type filamentSettingCommand struct {
	Command       string `json:"command"`
	AmsID         int    `json:"ams_id"`
	TrayID        int    `json:"tray_id"`
	SlotID        int    `json:"slot_id"`
	TrayInfoIdx   string `json:"tray_info_idx"`
	TrayType      string `json:"tray_type"`
	TraySubBrands string `json:"tray_sub_brands"`
	TrayColor     string `json:"tray_color"`
	NozzleTempMin int    `json:"nozzle_temp_min"`
	NozzleTempMax int    `json:"nozzle_temp_max"`
	SequenceID    string `json:"sequence_id"`
	SettingID     string `json:"setting_id,omitempty"`
}

type rfidCommand struct {
	Command    string `json:"command"`
	AmsID      int    `json:"ams_id"`
	SlotID     int    `json:"slot_id"`
	SequenceID string `json:"sequence_id"`
}

// FilamentSetting is the payload of ams_filament_setting.
type FilamentSetting struct {
	AmsID         int    `json:"ams_id"`
	TrayID        int    `json:"tray_id"`
	TrayInfoIdx   string `json:"tray_info_idx"`
	SettingID     string `json:"setting_id"`
	TrayType      string `json:"tray_type"`
	TraySubBrands string `json:"tray_sub_brands"`
	TrayColor     string `json:"tray_color"`
	NozzleTempMin int    `json:"nozzle_temp_min"`
	NozzleTempMax int    `json:"nozzle_temp_max"`
}

// CalibrationSelection is the payload of extrusion_cali_sel. TrayID is the
// local tray index within the feeder, not the global index.
type CalibrationSelection struct {
	AmsID          int    `json:"ams_id"`
	TrayID         int    `json:"tray_id"`
	CaliIdx        int    `json:"cali_idx"`
	FilamentID     string `json:"filament_id"`
	NozzleDiameter string `json:"nozzle_diameter"`
	SettingID      string `json:"setting_id"`
}

// KValueSetting is the payload of extrusion_cali_set. TrayID is global.
type KValueSetting struct {
	TrayID         int     `json:"tray_id"`
	KValue         float64 `json:"k_value"`
	NozzleDiameter string  `json:"nozzle_diameter"`
	NozzleTemp     int     `json:"nozzle_temp"`
}

// EncodePushAll builds the full-state refresh request.
func EncodePushAll() ([]byte, error) {
	return json.Marshal(pushingEnvelope{Pushing: pushAllCommand{
		Command:    CommandPushAll,
		SequenceID: sequenceID,
	}})
}

// EncodeCalibrationGet requests the K-profile table for one nozzle size.
func EncodeCalibrationGet(nozzleDiameter string) ([]byte, error) {
	return json.Marshal(printEnvelope{Print: calibrationGetCommand{
		Command:        CommandCalibrationGet,
		FilamentID:     "",
		NozzleDiameter: nozzleDiameter,
		SequenceID:     sequenceID,
	}})
}

// EncodeCalibrationSelect selects a stored K-profile for a slot.
func EncodeCalibrationSelect(sel CalibrationSelection) ([]byte, error) {
	return json.Marshal(printEnvelope{Print: calibrationSelectCommand{
		Command:        CommandCalibrationSelect,
		CaliIdx:        sel.CaliIdx,
		FilamentID:     sel.FilamentID,
		NozzleDiameter: sel.NozzleDiameter,
		AmsID:          sel.AmsID,
		TrayID:         sel.TrayID,
		SlotID:         SlotID(sel.AmsID, sel.TrayID),
		SequenceID:     sequenceID,
		SettingID:      sel.SettingID,
	}})
}

// EncodeCalibrationSet writes a pressure-advance value directly.
func EncodeCalibrationSet(k KValueSetting) ([]byte, error) {
	return json.Marshal(printEnvelope{Print: calibrationSetCommand{
		Command:            CommandCalibrationSet,
		TrayID:             k.TrayID,
		KValue:             k.KValue,
		NCoef:              0.0,
		NozzleDiameter:     k.NozzleDiameter,
		BedTemp:            60,
		NozzleTemp:         k.NozzleTemp,
		MaxVolumetricSpeed: 20.0,
		SequenceID:         sequenceID,
	}})
}

// EncodeFilamentSetting writes filament type, color and temperatures.
func EncodeFilamentSetting(f FilamentSetting) ([]byte, error) {
	return json.Marshal(printEnvelope{Print: filamentSettingCommand{
		Command:       CommandAmsFilamentSetting,
		AmsID:         f.AmsID,
		TrayID:        f.TrayID,
		SlotID:        SlotID(f.AmsID, f.TrayID),
		TrayInfoIdx:   f.TrayInfoIdx,
		TrayType:      f.TrayType,
		TraySubBrands: f.TraySubBrands,
		TrayColor:     f.TrayColor,
		NozzleTempMin: f.NozzleTempMin,
		NozzleTempMax: f.NozzleTempMax,
		SequenceID:    sequenceID,
		SettingID:     f.SettingID,
	}})
}

// EncodeGetRFID forces a slot to re-scan its tag.
func EncodeGetRFID(amsID, trayID int) ([]byte, error) {
	return json.Marshal(printEnvelope{Print: rfidCommand{
		Command:    CommandAmsGetRFID,
		AmsID:      amsID,
		SlotID:     SlotID(amsID, trayID),
		SequenceID: sequenceID,
	}})
}
