package printer

import (
	"time"
)

// PendingAssignment is a filament configuration staged for a slot. It is
// sent to the printer once the slot is seen to go from empty to occupied.
type PendingAssignment struct {
	SpoolID        string    `json:"spool_id"`
	TrayInfoIdx    string    `json:"tray_info_idx"`
	SettingID      string    `json:"setting_id"`
	TrayType       string    `json:"tray_type"`
	TrayColor      string    `json:"tray_color"`
	NozzleTempMin  int       `json:"nozzle_temp_min"`
	NozzleTempMax  int       `json:"nozzle_temp_max"`
	CaliIdx        int       `json:"cali_idx"`
	NozzleDiameter string    `json:"nozzle_diameter"`
	CreatedAt      time.Time `json:"created_at"`
}

// AssignmentResult reports the outcome of an executed assignment. Success
// reflects the filament-setting publish only.
type AssignmentResult struct {
	Serial  string `json:"serial"`
	AmsID   int    `json:"ams_id"`
	TrayID  int    `json:"tray_id"`
	SpoolID string `json:"spool_id"`
	Success bool   `json:"success"`
	Err     error  `json:"-"`
}

// StageAssignment stores a for the slot, replacing any earlier entry.
// CreatedAt is stamped when unset.
func (c *Connection) StageAssignment(key SlotKey, a PendingAssignment) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.clock.Now()
	}
	c.mu.Lock()
	c.pending[key] = a
	c.mu.Unlock()

	c.logger.Info().
		Int("ams_id", key.AmsID).
		Int("tray_id", key.TrayID).
		Str("spool_id", a.SpoolID).
		Msg("Staged assignment")
}

// CancelAssignment removes the slot's staged assignment and reports whether
// there was one.
func (c *Connection) CancelAssignment(key SlotKey) bool {
	c.mu.Lock()
	_, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	return ok
}

// PendingAssignment returns the slot's staged assignment.
func (c *Connection) PendingAssignment(key SlotKey) (PendingAssignment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.pending[key]
	return a, ok
}

// PendingAssignments returns a copy of every staged assignment.
func (c *Connection) PendingAssignments() map[SlotKey]PendingAssignment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[SlotKey]PendingAssignment, len(c.pending))
	for k, v := range c.pending {
		out[k] = v
	}
	return out
}

// dueAssignment is a staged entry taken from the table for execution.
type dueAssignment struct {
	key        SlotKey
	assignment PendingAssignment
}

// takeInserted removes and returns the staged entries for newly occupied
// slots. Callers hold c.mu.
func (c *Connection) takeInserted(inserted []SlotKey) []dueAssignment {
	var due []dueAssignment
	for _, key := range inserted {
		a, ok := c.pending[key]
		if !ok {
			continue
		}
		delete(c.pending, key)
		due = append(due, dueAssignment{key: key, assignment: a})
	}
	return due
}

// executeAssignment sends the staged filament setting and calibration
// selection for a slot. The entry is already gone from the table, so a
// failure is reported and never retried.
func (c *Connection) executeAssignment(d dueAssignment) {
	a := d.assignment
	log := c.logger.With().
		Int("ams_id", d.key.AmsID).
		Int("tray_id", d.key.TrayID).
		Str("spool_id", a.SpoolID).
		Logger()

	err := c.SetFilament(FilamentSetting{
		AmsID:         d.key.AmsID,
		TrayID:        d.key.TrayID,
		TrayInfoIdx:   a.TrayInfoIdx,
		SettingID:     a.SettingID,
		TrayType:      a.TrayType,
		TrayColor:     a.TrayColor,
		NozzleTempMin: a.NozzleTempMin,
		NozzleTempMax: a.NozzleTempMax,
	})
	if err != nil {
		log.Error().Err(err).Msg("Assignment filament setting failed")
	}

	if calErr := c.SetCalibration(CalibrationSelection{
		AmsID:          d.key.AmsID,
		TrayID:         d.key.TrayID,
		CaliIdx:        a.CaliIdx,
		FilamentID:     a.TrayInfoIdx,
		NozzleDiameter: a.NozzleDiameter,
	}); calErr != nil {
		log.Warn().Err(calErr).Msg("Assignment calibration selection failed")
	}

	if err == nil {
		log.Info().Msg("Executed staged assignment")
	}

	result := AssignmentResult{
		Serial:  c.info.Serial,
		AmsID:   d.key.AmsID,
		TrayID:  d.key.TrayID,
		SpoolID: a.SpoolID,
		Success: err == nil,
		Err:     err,
	}
	c.emit(func(h Handlers) {
		if h.AssignmentComplete != nil {
			h.AssignmentComplete(result)
		}
	})
}
