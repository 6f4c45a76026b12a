package printer

import "fmt"

var stageNames = map[int]string{
	0:  "Printing",
	1:  "Auto bed leveling",
	2:  "Heatbed preheating",
	3:  "Vibration compensation",
	4:  "Changing filament",
	5:  "M400 pause",
	6:  "Paused (filament ran out)",
	7:  "Heating nozzle",
	8:  "Calibrating dynamic flow",
	9:  "Scanning bed surface",
	10: "Inspecting first layer",
	11: "Identifying build plate type",
	12: "Calibrating Micro Lidar",
	13: "Homing toolhead",
	14: "Cleaning nozzle tip",
	15: "Checking extruder temperature",
	16: "Paused by the user",
	17: "Pause (front cover fall off)",
	18: "Calibrating the micro lidar",
	19: "Calibrating flow ratio",
	20: "Pause (nozzle temperature malfunction)",
	21: "Pause (heatbed temperature malfunction)",
	22: "Filament unloading",
	23: "Pause (step loss)",
	24: "Filament loading",
	25: "Motor noise cancellation",
	26: "Pause (AMS offline)",
	27: "Pause (low speed of the heatbreak fan)",
	28: "Pause (chamber temperature control problem)",
	29: "Cooling chamber",
	30: "Paused (toolhead not returning)",
	31: "Pause (first layer problem)",
	32: "Inspecting Z seam",
	33: "Pause (spaghetti detected)",
	34: "Pause (auto recover failed)",
	35: "Nozzle offset calibration",
	36: "Nozzle cleaning",
	37: "Pause (pressure advance)",
	38: "Nozzle offset preheating",
	39: "Pause (nozzle clog detected)",
	40: "High temperature auto bed leveling",
	41: "Auto Check: Quick Release Lever",
	42: "Auto Check: Door and Upper Cover",
	43: "Laser Calibration",
	44: "Auto Check: Platform",
	45: "Confirming BirdsEye Camera location",
	46: "Calibrating BirdsEye Camera",
	47: "Auto bed leveling - phase 1",
	48: "Auto bed leveling - phase 2",
	49: "Heating chamber",
	50: "Cooling heatbed",
	51: "Printing calibration lines",
	52: "Auto Check: Material",
	53: "Live View Camera Calibration",
	54: "Waiting for heatbed temperature",
	55: "Auto Check: Material Position",
	56: "Cutting Module Offset Calibration",
	57: "Measuring Surface",
	58: "Thermal Preconditioning",
}

// StageName returns the display name for stg_cur. Idle codes (-1 on X1,
// 255 on A1/P1) have no name.
func StageName(stage int) (string, bool) {
	if stage < 0 || stage >= 255 {
		return "", false
	}
	if name, ok := stageNames[stage]; ok {
		return name, true
	}
	return fmt.Sprintf("Unknown stage (%d)", stage), true
}
