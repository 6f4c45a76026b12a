package printer

// SlotKey identifies a physical filament slot for the life of a connection.
type SlotKey struct {
	AmsID  int `json:"ams_id"`
	TrayID int `json:"tray_id"`
}

// AmsTray is one filament slot as last reported by the printer.
type AmsTray struct {
	AmsID         int      `json:"ams_id"`
	TrayID        int      `json:"tray_id"`
	TrayType      string   `json:"tray_type,omitempty"`
	TraySubBrands string   `json:"tray_sub_brands,omitempty"`
	TrayColor     string   `json:"tray_color,omitempty"`
	TrayInfoIdx   string   `json:"tray_info_idx,omitempty"`
	KValue        *float64 `json:"k_value"`
	NozzleTempMin *int     `json:"nozzle_temp_min"`
	NozzleTempMax *int     `json:"nozzle_temp_max"`
	Remain        *int     `json:"remain"`
}

// Key returns the slot identity of the tray.
func (t AmsTray) Key() SlotKey {
	return SlotKey{AmsID: t.AmsID, TrayID: t.TrayID}
}

// Occupied reports whether the printer sees a spool in the slot.
func (t AmsTray) Occupied() bool {
	return t.TrayType != ""
}

// AmsUnit is one filament feeder.
type AmsUnit struct {
	ID          int       `json:"id"`
	Humidity    *int      `json:"humidity"`
	Temperature *float64  `json:"temperature"`
	Extruder    *int      `json:"extruder"` // 0 right, 1 left; dual-nozzle only
	Trays       []AmsTray `json:"trays"`
}

// DeviceState is the last observed snapshot of one printer. Pointer fields
// stay nil until the printer has reported them.
type DeviceState struct {
	GcodeState      *string   `json:"gcode_state"`
	PrintProgress   *int      `json:"print_progress"`
	LayerNum        *int      `json:"layer_num"`
	TotalLayerNum   *int      `json:"total_layer_num"`
	SubtaskName     *string   `json:"subtask_name"`
	RemainingTime   *int      `json:"mc_remaining_time"`
	GcodeFile       *string   `json:"gcode_file"`
	Stage           *int      `json:"stg_cur"`
	StageName       *string   `json:"stg_cur_name"`
	AmsUnits        []AmsUnit `json:"ams_units"`
	VtTray          *AmsTray  `json:"vt_tray"`
	TrayNow         *int      `json:"tray_now"`
	TrayNowLeft     *int      `json:"tray_now_left"`
	TrayNowRight    *int      `json:"tray_now_right"`
	ActiveExtruder  *int      `json:"active_extruder"`
	TrayReadingBits *int      `json:"tray_reading_bits"`
	NozzleCount     int       `json:"nozzle_count"`
}

// Tray returns the tray at key from the last AMS report.
func (s *DeviceState) Tray(key SlotKey) (AmsTray, bool) {
	for _, unit := range s.AmsUnits {
		if unit.ID != key.AmsID {
			continue
		}
		for _, tray := range unit.Trays {
			if tray.TrayID == key.TrayID {
				return tray, true
			}
		}
	}
	return AmsTray{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *DeviceState) Clone() DeviceState {
	out := *s
	if s.AmsUnits != nil {
		out.AmsUnits = make([]AmsUnit, len(s.AmsUnits))
		for i, unit := range s.AmsUnits {
			if unit.Trays != nil {
				trays := make([]AmsTray, len(unit.Trays))
				copy(trays, unit.Trays)
				unit.Trays = trays
			}
			out.AmsUnits[i] = unit
		}
	}
	if s.VtTray != nil {
		vt := *s.VtTray
		out.VtTray = &vt
	}
	return out
}

func ptr[T any](v T) *T { return &v }
