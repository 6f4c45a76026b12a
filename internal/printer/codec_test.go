package printer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotID(t *testing.T) {
	tests := []struct {
		name   string
		amsID  int
		trayID int
		want   int
	}{
		{"standard feeder uses tray", 2, 3, 3},
		{"first feeder", 0, 1, 1},
		{"high temperature feeder", 130, 1, 0},
		{"first high temperature feeder", 128, 0, 0},
		{"external spool", VirtualAmsID, 0, 0},
		{"external spool alt id", 254, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SlotID(tt.amsID, tt.trayID))
		})
	}
}

func TestGlobalTrayID(t *testing.T) {
	assert.Equal(t, 3, GlobalTrayID(0, 3))
	assert.Equal(t, 11, GlobalTrayID(2, 3))
	assert.Equal(t, 17, GlobalTrayID(129, 0))
	assert.Equal(t, 0, GlobalTrayID(VirtualAmsID, 0))
}

func TestDecodeSnow(t *testing.T) {
	tests := []struct {
		name   string
		raw    int
		want   int
		wantOK bool
	}{
		{"feeder 2 slot 3", 0x0203, 11, true},
		{"feeder 0 slot 0", 0x0000, 0, true},
		{"feeder 129", 0x8100, 17, true},
		{"feeder 128", 0x8000, 16, true},
		{"no tray", 0xFFFF, 0, false},
		{"no tray legacy", 0xFEFF, 0, false},
		{"external passes through", 0x0FFE, 0x0FFE, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeSnow(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBitFields(t *testing.T) {
	assert.Equal(t, 1, ActiveExtruder(0x0112))
	assert.Equal(t, 0, ActiveExtruder(0x0102))
	assert.Equal(t, 0, FeederExtruder(0x0100))
	assert.Equal(t, 1, FeederExtruder(0x0003))
	assert.Equal(t, 0, FeederExtruder(0x2104))
}

func TestNormalizeNozzle(t *testing.T) {
	assert.Equal(t, "0.4", NormalizeNozzle("0.40"))
	assert.Equal(t, "0.6", NormalizeNozzle("0.6"))
	assert.Equal(t, "1", NormalizeNozzle("1.0"))
	assert.Equal(t, "bogus", NormalizeNozzle("bogus"))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "device/ABC/request", RequestTopic("ABC"))
	assert.Equal(t, "device/ABC/report", ReportTopic("ABC"))
}

func TestEncodePushAll(t *testing.T) {
	payload, err := EncodePushAll()
	require.NoError(t, err)
	assert.JSONEq(t, `{"pushing":{"command":"pushall","sequence_id":"1"}}`, string(payload))
}

func TestEncodeCalibrationGet(t *testing.T) {
	payload, err := EncodeCalibrationGet("0.4")
	require.NoError(t, err)
	assert.JSONEq(t, `{"print":{
		"command":"extrusion_cali_get",
		"filament_id":"",
		"nozzle_diameter":"0.4",
		"sequence_id":"1"}}`, string(payload))
}

func TestEncodeCalibrationSelect(t *testing.T) {
	t.Run("with setting id", func(t *testing.T) {
		payload, err := EncodeCalibrationSelect(CalibrationSelection{
			AmsID:          1,
			TrayID:         2,
			CaliIdx:        7,
			FilamentID:     "GFA00",
			NozzleDiameter: "0.4",
			SettingID:      "GFSA00",
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"print":{
			"command":"extrusion_cali_sel",
			"cali_idx":7,
			"filament_id":"GFA00",
			"nozzle_diameter":"0.4",
			"ams_id":1,
			"tray_id":2,
			"slot_id":2,
			"sequence_id":"1",
			"setting_id":"GFSA00"}}`, string(payload))
	})

	t.Run("setting id omitted", func(t *testing.T) {
		payload, err := EncodeCalibrationSelect(CalibrationSelection{AmsID: 128, TrayID: 0, CaliIdx: -1})
		require.NoError(t, err)

		var env map[string]map[string]any
		require.NoError(t, json.Unmarshal(payload, &env))
		assert.NotContains(t, env["print"], "setting_id")
		assert.EqualValues(t, 0, env["print"]["slot_id"])
		assert.EqualValues(t, -1, env["print"]["cali_idx"])
	})
}

func TestEncodeCalibrationSet(t *testing.T) {
	payload, err := EncodeCalibrationSet(KValueSetting{TrayID: 5, KValue: 0.025, NozzleDiameter: "0.4", NozzleTemp: 220})
	require.NoError(t, err)
	assert.JSONEq(t, `{"print":{
		"command":"extrusion_cali_set",
		"tray_id":5,
		"k_value":0.025,
		"n_coef":0,
		"nozzle_diameter":"0.4",
		"bed_temp":60,
		"nozzle_temp":220,
		"max_volumetric_speed":20,
		"sequence_id":"1"}}`, string(payload))
}

func TestEncodeFilamentSetting(t *testing.T) {
	payload, err := EncodeFilamentSetting(FilamentSetting{
		AmsID:         2,
		TrayID:        3,
		TrayInfoIdx:   "GFL99",
		TrayType:      "PLA",
		TraySubBrands: "PLA Basic",
		TrayColor:     "FF0000FF",
		NozzleTempMin: 190,
		NozzleTempMax: 230,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"print":{
		"command":"ams_filament_setting",
		"ams_id":2,
		"tray_id":3,
		"slot_id":3,
		"tray_info_idx":"GFL99",
		"tray_type":"PLA",
		"tray_sub_brands":"PLA Basic",
		"tray_color":"FF0000FF",
		"nozzle_temp_min":190,
		"nozzle_temp_max":230,
		"sequence_id":"1"}}`, string(payload))
}

func TestEncodeGetRFID(t *testing.T) {
	payload, err := EncodeGetRFID(130, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"print":{"command":"ams_get_rfid","ams_id":130,"slot_id":0,"sequence_id":"1"}}`, string(payload))
}

func TestStageName(t *testing.T) {
	name, ok := StageName(2)
	assert.True(t, ok)
	assert.Equal(t, "Heatbed preheating", name)

	name, ok = StageName(200)
	assert.True(t, ok)
	assert.Equal(t, "Unknown stage (200)", name)

	_, ok = StageName(-1)
	assert.False(t, ok)
	_, ok = StageName(255)
	assert.False(t, ok)
}
