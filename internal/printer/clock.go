package printer

//go:generate mockgen -destination=mock_printer.go -package=printer github.com/spoolbuddy/backend/internal/printer Transport,Clock

import "time"

// Clock abstracts wall time for grace-period and cache bookkeeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
