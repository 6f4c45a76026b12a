package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spoolbuddy/backend/internal/storage/models"
)

// SlotAssignmentRepository records which spool sits in which printer slot.
type SlotAssignmentRepository struct {
	BaseRepository
}

// NewSlotAssignmentRepository creates a new slot assignment repository.
func NewSlotAssignmentRepository(db *DB) *SlotAssignmentRepository {
	return &SlotAssignmentRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Assign puts spoolID into the slot. A spool lives in one slot at a time,
// so any other slot holding it is cleared in the same transaction.
func (r *SlotAssignmentRepository) Assign(ctx context.Context, serial string, amsID, trayID int, spoolID string) (*models.SlotAssignment, error) {
	a := &models.SlotAssignment{
		ID:            GenerateID(),
		PrinterSerial: serial,
		AmsID:         amsID,
		TrayID:        trayID,
		SpoolID:       spoolID,
		AssignedAt:    r.Now(),
	}

	err := r.DB().Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM slot_assignments
			WHERE spool_id = ? AND NOT (printer_serial = ? AND ams_id = ? AND tray_id = ?)
		`, spoolID, serial, amsID, trayID); err != nil {
			return fmt.Errorf("clearing previous slot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slot_assignments (id, printer_serial, ams_id, tray_id, spool_id, assigned_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(printer_serial, ams_id, tray_id) DO UPDATE SET
				spool_id = excluded.spool_id,
				assigned_at = excluded.assigned_at
		`, a.ID, a.PrinterSerial, a.AmsID, a.TrayID, a.SpoolID, a.AssignedAt); err != nil {
			return fmt.Errorf("inserting slot assignment: %w", err)
		}
		return tx.QueryRowContext(ctx, `
			SELECT id FROM slot_assignments WHERE printer_serial = ? AND ams_id = ? AND tray_id = ?
		`, serial, amsID, trayID).Scan(&a.ID)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns the slot's assignment, or nil when the slot is unassigned.
func (r *SlotAssignmentRepository) Get(ctx context.Context, serial string, amsID, trayID int) (*models.SlotAssignment, error) {
	a := &models.SlotAssignment{}
	err := r.DB().QueryRowContext(ctx, `
		SELECT id, printer_serial, ams_id, tray_id, spool_id, assigned_at
		FROM slot_assignments WHERE printer_serial = ? AND ams_id = ? AND tray_id = ?
	`, serial, amsID, trayID).Scan(&a.ID, &a.PrinterSerial, &a.AmsID, &a.TrayID, &a.SpoolID, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying slot assignment: %w", err)
	}
	return a, nil
}

// ListByPrinter returns the printer's assignments ordered by slot.
func (r *SlotAssignmentRepository) ListByPrinter(ctx context.Context, serial string) ([]models.SlotAssignment, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, printer_serial, ams_id, tray_id, spool_id, assigned_at
		FROM slot_assignments WHERE printer_serial = ?
		ORDER BY ams_id, tray_id
	`, serial)
	if err != nil {
		return nil, fmt.Errorf("querying slot assignments: %w", err)
	}
	defer rows.Close()

	assignments := []models.SlotAssignment{}
	for rows.Next() {
		var a models.SlotAssignment
		if err := rows.Scan(&a.ID, &a.PrinterSerial, &a.AmsID, &a.TrayID, &a.SpoolID, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("scanning slot assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// Unassign clears a slot and reports whether it held a spool.
func (r *SlotAssignmentRepository) Unassign(ctx context.Context, serial string, amsID, trayID int) (bool, error) {
	result, err := r.DB().ExecContext(ctx, `
		DELETE FROM slot_assignments WHERE printer_serial = ? AND ams_id = ? AND tray_id = ?
	`, serial, amsID, trayID)
	if err != nil {
		return false, fmt.Errorf("deleting slot assignment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking slot assignment rows: %w", err)
	}
	return n > 0, nil
}
