package printer

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Firmware is inconsistent about number encoding: the same field arrives as
// 3, "3" or 3.0 depending on model and message. The opt* types accept any of
// those and mark the value invalid instead of failing the whole message.

type optInt struct {
	Value int
	Valid bool
}

func (o *optInt) UnmarshalJSON(data []byte) error {
	*o = optInt{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if v, err := strconv.Atoi(s); err == nil {
			*o = optInt{Value: v, Valid: true}
		}
		return nil
	}
	if f, err := strconv.ParseFloat(string(data), 64); err == nil {
		*o = optInt{Value: int(f), Valid: true}
	}
	return nil
}

func (o optInt) ptr() *int {
	if !o.Valid {
		return nil
	}
	return ptr(o.Value)
}

type optFloat struct {
	Value float64
	Valid bool
}

func (o *optFloat) UnmarshalJSON(data []byte) error {
	*o = optFloat{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*o = optFloat{Value: f, Valid: true}
	}
	return nil
}

func (o optFloat) ptr() *float64 {
	if !o.Valid {
		return nil
	}
	return ptr(o.Value)
}

// optString accepts a string or a number; numbers are rendered without
// trailing zeros so nozzle diameters compare as strings.
type optString struct {
	Value string
	Valid bool
}

func (o *optString) UnmarshalJSON(data []byte) error {
	*o = optString{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*o = optString{Value: s, Valid: true}
		}
		return nil
	}
	if f, err := strconv.ParseFloat(string(data), 64); err == nil {
		*o = optString{Value: strconv.FormatFloat(f, 'f', -1, 64), Valid: true}
	}
	return nil
}

// optHex is tray_reading_bits: a hex string or a plain number.
type optHex struct {
	Value int
	Valid bool
}

func (o *optHex) UnmarshalJSON(data []byte) error {
	*o = optHex{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if v, err := strconv.ParseInt(s, 16, 64); err == nil {
			*o = optHex{Value: int(v), Valid: true}
		}
		return nil
	}
	if f, err := strconv.ParseFloat(string(data), 64); err == nil {
		*o = optHex{Value: int(f), Valid: true}
	}
	return nil
}

type report struct {
	Print *printReport `json:"print"`
}

// printReport is the body of a report message. Every field is optional and
// an absent field leaves the corresponding state untouched.
type printReport struct {
	Command        string              `json:"command"`
	Filaments      *[]calibrationEntry `json:"filaments"`
	NozzleDiameter optString           `json:"nozzle_diameter"`
	GcodeState     *string             `json:"gcode_state"`
	Stage          optInt              `json:"stg_cur"`
	Percent        optInt              `json:"mc_percent"`
	SubtaskName    *string             `json:"subtask_name"`
	RemainingTime  optInt              `json:"mc_remaining_time"`
	GcodeFile      *string             `json:"gcode_file"`
	LayerNum       optInt              `json:"layer_num"`
	TotalLayerNum  optInt              `json:"total_layer_num"`
	Layers         *layerReport        `json:"3D"`
	Ams            *amsReport          `json:"ams"`
	VtTray         *trayReport         `json:"vt_tray"`
	Device         *deviceReport       `json:"device"`
}

// isCalibrationReply reports whether the message answers extrusion_cali_get.
func (p *printReport) isCalibrationReply() bool {
	return p.Filaments != nil || p.Command == CommandCalibrationGet
}

type layerReport struct {
	LayerNum      optInt `json:"layer_num"`
	TotalLayerNum optInt `json:"total_layer_num"`
}

type calibrationEntry struct {
	CaliIdx    optInt   `json:"cali_idx"`
	FilamentID string   `json:"filament_id"`
	KValue     optFloat `json:"k_value"`
	Name       string   `json:"name"`
	ExtruderID optInt   `json:"extruder_id"`
	SettingID  string   `json:"setting_id"`
}

type amsReport struct {
	Units           *[]amsUnitReport `json:"ams"`
	TrayNow         optInt           `json:"tray_now"`
	TrayReadingBits optHex           `json:"tray_reading_bits"`
}

type amsUnitReport struct {
	ID          optInt       `json:"id"`
	HumidityRaw optInt       `json:"humidity_raw"`
	Humidity    optInt       `json:"humidity"`
	Temp        optFloat     `json:"temp"`
	Info        optInt       `json:"info"`
	Trays       []trayReport `json:"tray"`
}

type trayReport struct {
	present bool

	ID            optInt   `json:"id"`
	TrayType      string   `json:"tray_type"`
	TraySubBrands string   `json:"tray_sub_brands"`
	TrayColor     string   `json:"tray_color"`
	TrayInfoIdx   string   `json:"tray_info_idx"`
	K             optFloat `json:"k"`
	CaliIdx       optInt   `json:"cali_idx"`
	NozzleTempMin optInt   `json:"nozzle_temp_min"`
	NozzleTempMax optInt   `json:"nozzle_temp_max"`
	Remain        optInt   `json:"remain"`
}

// UnmarshalJSON records whether the tray object carried any field at all;
// the printer sends {} for slots it has nothing to say about.
func (t *trayReport) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	type plain trayReport
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = trayReport(p)
	t.present = len(keys) > 0
	return nil
}

type deviceReport struct {
	Extruder *extruderReport `json:"extruder"`
}

type extruderReport struct {
	Info  []extruderInfo `json:"info"`
	State optInt         `json:"state"`
}

type extruderInfo struct {
	ID   optInt    `json:"id"`
	Dia  optString `json:"dia"`
	Snow optInt    `json:"snow"`
}

// decodeReport parses a raw report payload. A nil result with nil error
// means the message carries no print section.
func decodeReport(payload []byte) (*printReport, error) {
	var r report
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return r.Print, nil
}
