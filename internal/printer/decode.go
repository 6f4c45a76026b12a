package printer

// tracker is the decode-side model of one printer: the DeviceState plus the
// bookkeeping that must survive reports which omit fields. It is not safe for
// concurrent use; Connection serializes access.
type tracker struct {
	state DeviceState

	dualNozzle bool

	// nozzles maps extruder id to the last reported nozzle diameter.
	nozzles map[int]string

	// feederExtruder maps ams id to the extruder it feeds. Entries are only
	// learned on dual-nozzle printers and persist when info is omitted.
	feederExtruder map[int]int

	// trayTypes holds the last parsed tray_type per slot for insertion
	// detection.
	trayTypes map[SlotKey]string

	// calibrations is the last-write-wins K-profile table keyed by cali_idx.
	calibrations map[int]Calibration
}

func newTracker() *tracker {
	return &tracker{
		state:          DeviceState{NozzleCount: 1},
		nozzles:        make(map[int]string),
		feederExtruder: make(map[int]int),
		trayTypes:      make(map[SlotKey]string),
		calibrations:   make(map[int]Calibration),
	}
}

// applyResult describes the transitions one report caused.
type applyResult struct {
	// dualNozzleDetected is set on the single report that first showed two
	// or more extruders.
	dualNozzleDetected bool

	// inserted lists slots whose tray_type went from empty to non-empty.
	inserted []SlotKey

	readingChanged  bool
	previousReading *int
	reading         int
}

// apply merges a non-calibration report into the state. Fields absent from
// the report keep their previous values.
func (t *tracker) apply(p *printReport) applyResult {
	var res applyResult
	s := &t.state

	if p.NozzleDiameter.Valid {
		t.nozzles[0] = NormalizeNozzle(p.NozzleDiameter.Value)
	}
	if p.GcodeState != nil {
		s.GcodeState = ptr(*p.GcodeState)
	}
	if p.Stage.Valid {
		s.Stage = ptr(p.Stage.Value)
		s.StageName = nil
		if name, ok := StageName(p.Stage.Value); ok {
			s.StageName = ptr(name)
		}
	}
	if p.Percent.Valid {
		s.PrintProgress = ptr(p.Percent.Value)
	}
	if p.SubtaskName != nil {
		s.SubtaskName = ptr(*p.SubtaskName)
	}
	if p.RemainingTime.Valid {
		s.RemainingTime = ptr(p.RemainingTime.Value)
	}
	if p.GcodeFile != nil {
		s.GcodeFile = ptr(*p.GcodeFile)
	}

	layer, total := p.LayerNum, p.TotalLayerNum
	if p.Layers != nil {
		if p.Layers.LayerNum.Valid {
			layer = p.Layers.LayerNum
		}
		if p.Layers.TotalLayerNum.Valid {
			total = p.Layers.TotalLayerNum
		}
	}
	if layer.Valid {
		s.LayerNum = ptr(layer.Value)
	}
	if total.Valid {
		s.TotalLayerNum = ptr(total.Value)
	}

	// Extruder info runs first so the feeder map below is learned from the
	// same report that reveals a second nozzle.
	if p.Device != nil && p.Device.Extruder != nil {
		res.dualNozzleDetected = t.applyExtruders(p.Device.Extruder)
	}

	if p.Ams != nil {
		if p.Ams.TrayReadingBits.Valid {
			bits := p.Ams.TrayReadingBits.Value
			if s.TrayReadingBits == nil || *s.TrayReadingBits != bits {
				res.readingChanged = true
				res.previousReading = s.TrayReadingBits
				res.reading = bits
				s.TrayReadingBits = ptr(bits)
			}
		}
		if p.Ams.Units != nil {
			res.inserted = t.applyUnits(*p.Ams.Units)
		}
		if p.Ams.TrayNow.Valid {
			s.TrayNow = ptr(p.Ams.TrayNow.Value)
		}
	}

	if p.VtTray != nil && p.VtTray.present {
		vt := t.parseTray(p.VtTray, VirtualAmsID, 0)
		s.VtTray = &vt
	}

	return res
}

func (t *tracker) applyExtruders(ext *extruderReport) bool {
	s := &t.state
	detected := false
	if len(ext.Info) >= 2 {
		s.NozzleCount = 2
		if !t.dualNozzle {
			t.dualNozzle = true
			detected = true
		}
	}
	for _, info := range ext.Info {
		if !info.ID.Valid {
			continue
		}
		if info.Dia.Valid {
			t.nozzles[info.ID.Value] = NormalizeNozzle(info.Dia.Value)
		}
		if !info.Snow.Valid {
			continue
		}
		tray, ok := DecodeSnow(info.Snow.Value)
		if !ok {
			continue
		}
		switch info.ID.Value {
		case 0:
			s.TrayNowRight = ptr(tray)
		case 1:
			s.TrayNowLeft = ptr(tray)
		}
	}
	if ext.State.Valid {
		s.ActiveExtruder = ptr(ActiveExtruder(ext.State.Value))
	}
	return detected
}

func (t *tracker) applyUnits(reports []amsUnitReport) []SlotKey {
	if t.dualNozzle {
		for _, u := range reports {
			if u.Info.Valid {
				t.feederExtruder[u.ID.Value] = FeederExtruder(u.Info.Value)
			}
		}
	}

	var inserted []SlotKey
	units := make([]AmsUnit, 0, len(reports))
	for _, u := range reports {
		unit := AmsUnit{
			ID:          u.ID.Value,
			Humidity:    u.HumidityRaw.ptr(),
			Temperature: u.Temp.ptr(),
			Trays:       make([]AmsTray, 0, len(u.Trays)),
		}
		if unit.Humidity == nil {
			unit.Humidity = u.Humidity.ptr()
		}
		if t.dualNozzle {
			if ext, ok := t.feederExtruder[unit.ID]; ok {
				unit.Extruder = ptr(ext)
			}
		}
		for i := range u.Trays {
			tr := &u.Trays[i]
			if !tr.present {
				continue
			}
			tray := t.parseTray(tr, unit.ID, tr.ID.Value)
			unit.Trays = append(unit.Trays, tray)

			key := tray.Key()
			if t.trayTypes[key] == "" && tray.TrayType != "" {
				inserted = append(inserted, key)
			}
			t.trayTypes[key] = tray.TrayType
		}
		units = append(units, unit)
	}
	t.state.AmsUnits = units
	return inserted
}

// parseTray builds an AmsTray, resolving the K value from the tray's own k
// field or, failing that, from the calibration its cali_idx points at.
func (t *tracker) parseTray(r *trayReport, amsID, trayID int) AmsTray {
	tray := AmsTray{
		AmsID:         amsID,
		TrayID:        trayID,
		TrayType:      r.TrayType,
		TraySubBrands: r.TraySubBrands,
		TrayColor:     r.TrayColor,
		TrayInfoIdx:   r.TrayInfoIdx,
		KValue:        r.K.ptr(),
		NozzleTempMin: r.NozzleTempMin.ptr(),
		NozzleTempMax: r.NozzleTempMax.ptr(),
		Remain:        r.Remain.ptr(),
	}
	if tray.KValue == nil && r.CaliIdx.Valid && r.CaliIdx.Value > 0 {
		if cal, ok := t.calibrations[r.CaliIdx.Value]; ok {
			tray.KValue = ptr(cal.KValue)
		}
	}
	return tray
}

// applyCalibrations parses a calibration reply into the table and returns
// the reply's profiles in wire order.
func (t *tracker) applyCalibrations(p *printReport) []Calibration {
	var entries []calibrationEntry
	if p.Filaments != nil {
		entries = *p.Filaments
	}
	nozzle := ""
	if p.NozzleDiameter.Valid {
		nozzle = NormalizeNozzle(p.NozzleDiameter.Value)
	}
	profiles := make([]Calibration, 0, len(entries))
	for _, e := range entries {
		if !e.CaliIdx.Valid {
			continue
		}
		cal := Calibration{
			CaliIdx:        e.CaliIdx.Value,
			FilamentID:     e.FilamentID,
			KValue:         e.KValue.Value,
			Name:           e.Name,
			ExtruderID:     e.ExtruderID.ptr(),
			NozzleDiameter: nozzle,
			SettingID:      e.SettingID,
		}
		t.calibrations[cal.CaliIdx] = cal
		profiles = append(profiles, cal)
	}
	return profiles
}

// nozzleDiameter returns the learned diameter for extruder, or the stock
// 0.4 mm when the printer has not reported one.
func (t *tracker) nozzleDiameter(extruder int) string {
	if d, ok := t.nozzles[extruder]; ok && d != "" {
		return d
	}
	return DefaultNozzleDiameter
}
