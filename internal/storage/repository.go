package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an update or delete matches no row.
var ErrNotFound = errors.New("not found")

// BaseRepository holds what every repository shares.
type BaseRepository struct {
	db *DB
}

// NewBaseRepository creates a base repository over db.
func NewBaseRepository(db *DB) BaseRepository {
	return BaseRepository{db: db}
}

// DB returns the underlying database.
func (r *BaseRepository) DB() *DB {
	return r.db
}

// Now returns the current time in UTC for timestamps.
func (r *BaseRepository) Now() time.Time {
	return time.Now().UTC()
}

// GenerateID returns a new random primary key.
func GenerateID() string {
	return uuid.NewString()
}
