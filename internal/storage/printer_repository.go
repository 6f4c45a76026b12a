package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spoolbuddy/backend/internal/storage/models"
)

// PrinterRepository provides data access for printers.
type PrinterRepository struct {
	BaseRepository
}

// NewPrinterRepository creates a new printer repository.
func NewPrinterRepository(db *DB) *PrinterRepository {
	return &PrinterRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

const printerColumns = `serial, name, model, ip_address, access_code, auto_connect,
	nozzle_count, last_seen_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrinter(row rowScanner) (*models.Printer, error) {
	p := &models.Printer{}
	err := row.Scan(
		&p.Serial, &p.Name, &p.Model, &p.IPAddress, &p.AccessCode, &p.AutoConnect,
		&p.NozzleCount, &p.LastSeenAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create inserts a new printer.
func (r *PrinterRepository) Create(ctx context.Context, p *models.Printer) error {
	p.CreatedAt = r.Now()
	p.UpdatedAt = p.CreatedAt
	if p.NozzleCount < 1 {
		p.NozzleCount = 1
	}

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO printers (`+printerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.Serial, p.Name, p.Model, p.IPAddress, p.AccessCode, p.AutoConnect,
		p.NozzleCount, p.LastSeenAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting printer: %w", err)
	}
	return nil
}

// Upsert inserts p or updates the identity and connection fields of an
// existing row, keeping learned fields such as nozzle_count.
func (r *PrinterRepository) Upsert(ctx context.Context, p *models.Printer) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO printers (serial, name, model, ip_address, access_code, auto_connect,
			nozzle_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			name = excluded.name,
			model = COALESCE(excluded.model, printers.model),
			ip_address = excluded.ip_address,
			access_code = excluded.access_code,
			auto_connect = excluded.auto_connect,
			updated_at = excluded.updated_at
	`, p.Serial, p.Name, p.Model, p.IPAddress, p.AccessCode, p.AutoConnect, now, now)
	if err != nil {
		return fmt.Errorf("upserting printer: %w", err)
	}
	return nil
}

// GetBySerial returns the printer, or nil when it does not exist.
func (r *PrinterRepository) GetBySerial(ctx context.Context, serial string) (*models.Printer, error) {
	p, err := scanPrinter(r.DB().QueryRowContext(ctx,
		`SELECT `+printerColumns+` FROM printers WHERE serial = ?`, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying printer: %w", err)
	}
	return p, nil
}

// List returns every printer ordered by name.
func (r *PrinterRepository) List(ctx context.Context) ([]models.Printer, error) {
	return r.list(ctx, `SELECT `+printerColumns+` FROM printers ORDER BY name, serial`)
}

// ListAutoConnect returns the printers to connect at startup.
func (r *PrinterRepository) ListAutoConnect(ctx context.Context) ([]models.Printer, error) {
	return r.list(ctx, `SELECT `+printerColumns+` FROM printers
		WHERE auto_connect = 1 AND ip_address != '' AND access_code != ''
		ORDER BY name, serial`)
}

func (r *PrinterRepository) list(ctx context.Context, query string, args ...any) ([]models.Printer, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying printers: %w", err)
	}
	defer rows.Close()

	printers := []models.Printer{}
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning printer: %w", err)
		}
		printers = append(printers, *p)
	}
	return printers, rows.Err()
}

// Update writes the editable fields of p.
func (r *PrinterRepository) Update(ctx context.Context, p *models.Printer) error {
	p.UpdatedAt = r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE printers SET
			name = ?, model = ?, ip_address = ?, access_code = ?, auto_connect = ?,
			updated_at = ?
		WHERE serial = ?
	`, p.Name, p.Model, p.IPAddress, p.AccessCode, p.AutoConnect, p.UpdatedAt, p.Serial)
	if err != nil {
		return fmt.Errorf("updating printer: %w", err)
	}
	return requireRow(result, "printer", p.Serial)
}

// Delete removes a printer and, by cascade, its slot assignments.
func (r *PrinterRepository) Delete(ctx context.Context, serial string) error {
	result, err := r.DB().ExecContext(ctx, "DELETE FROM printers WHERE serial = ?", serial)
	if err != nil {
		return fmt.Errorf("deleting printer: %w", err)
	}
	return requireRow(result, "printer", serial)
}

// TouchLastSeen records that the printer was heard from at seen.
func (r *PrinterRepository) TouchLastSeen(ctx context.Context, serial string, seen time.Time) error {
	_, err := r.DB().ExecContext(ctx,
		`UPDATE printers SET last_seen_at = ? WHERE serial = ?`, seen.UTC(), serial)
	if err != nil {
		return fmt.Errorf("updating printer last seen: %w", err)
	}
	return nil
}

// SetNozzleCount stores the detected number of nozzles.
func (r *PrinterRepository) SetNozzleCount(ctx context.Context, serial string, count int) error {
	_, err := r.DB().ExecContext(ctx,
		`UPDATE printers SET nozzle_count = ?, updated_at = ? WHERE serial = ?`,
		count, r.Now(), serial)
	if err != nil {
		return fmt.Errorf("updating printer nozzle count: %w", err)
	}
	return nil
}

func requireRow(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking %s rows: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
