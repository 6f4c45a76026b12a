// Package models contains the persisted domain models.
package models

import (
	"time"
)

// Printer is a printer the user has added. Serial is the primary key.
type Printer struct {
	Serial      string     `json:"serial"`
	Name        string     `json:"name"`
	Model       *string    `json:"model,omitempty"`
	IPAddress   string     `json:"ip_address"`
	AccessCode  string     `json:"-"`
	AutoConnect bool       `json:"auto_connect"`
	NozzleCount int        `json:"nozzle_count"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CanConnect reports whether the printer has what a session needs.
func (p *Printer) CanConnect() bool {
	return p.IPAddress != "" && p.AccessCode != ""
}

// SlotAssignment records which spool was configured into a printer slot.
type SlotAssignment struct {
	ID            string    `json:"id"`
	PrinterSerial string    `json:"printer_serial"`
	AmsID         int       `json:"ams_id"`
	TrayID        int       `json:"tray_id"`
	SpoolID       string    `json:"spool_id"`
	AssignedAt    time.Time `json:"assigned_at"`
}
