package printer

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Calibration is one K-profile stored on the printer.
type Calibration struct {
	CaliIdx        int     `json:"cali_idx"`
	FilamentID     string  `json:"filament_id"`
	KValue         float64 `json:"k_value"`
	Name           string  `json:"name"`
	ExtruderID     *int    `json:"extruder_id"`
	NozzleDiameter string  `json:"nozzle_diameter"`
	SettingID      string  `json:"setting_id,omitempty"`
}

type calibrationCacheEntry struct {
	profiles  []Calibration
	fetchedAt time.Time
}

// calibrationWaiter is the one outstanding extrusion_cali_get request. done
// has capacity one and receives at most once.
type calibrationWaiter struct {
	nozzle string
	done   chan []Calibration
}

var errCalibrationTimeout = errors.New("calibration reply timed out")

// Calibrations returns the printer's K-profiles for a nozzle diameter.
//
// A list fetched within the cache TTL is returned without a request.
// Otherwise one caller at a time publishes extrusion_cali_get and waits for
// the matching reply, retrying on timeout. When every attempt fails an empty
// list is cached so an unresponsive printer is not re-queried until the TTL
// expires. Only ctx cancellation and a down session are reported as errors.
func (c *Connection) Calibrations(ctx context.Context, nozzle string) ([]Calibration, error) {
	nozzle = NormalizeNozzle(nozzle)
	if profiles, ok := c.cachedCalibrations(nozzle); ok {
		return profiles, nil
	}
	if !c.sessionUp() {
		return nil, ErrNotConnected
	}

	select {
	case c.calLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.calLock }()

	// Another caller may have filled the cache while this one queued.
	if profiles, ok := c.cachedCalibrations(nozzle); ok {
		return profiles, nil
	}

	for attempt := 1; attempt <= c.cfg.CalibrationRetries; attempt++ {
		profiles, err := c.requestCalibrations(ctx, nozzle)
		if err == nil {
			c.logger.Info().
				Str("nozzle", nozzle).
				Int("profiles", len(profiles)).
				Int("attempt", attempt).
				Msg("Received K-profiles")
			c.storeCalibrations(nozzle, profiles)
			return cloneCalibrations(profiles), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn().
			Err(err).
			Str("nozzle", nozzle).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.CalibrationRetries).
			Msg("K-profile request failed")
	}

	c.logger.Warn().Str("nozzle", nozzle).Msg("No K-profile reply, caching empty list")
	c.storeCalibrations(nozzle, []Calibration{})
	return []Calibration{}, nil
}

// requestCalibrations runs a single publish-and-wait attempt.
func (c *Connection) requestCalibrations(ctx context.Context, nozzle string) ([]Calibration, error) {
	w := &calibrationWaiter{nozzle: nozzle, done: make(chan []Calibration, 1)}

	c.mu.Lock()
	c.waiter = w
	c.mu.Unlock()
	defer c.releaseWaiter(w)

	payload, err := EncodeCalibrationGet(nozzle)
	if err != nil {
		return nil, err
	}
	if err := c.publish(payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CalibrationTimeout)
	defer timer.Stop()

	select {
	case profiles := <-w.done:
		return profiles, nil
	case <-timer.C:
		return nil, errCalibrationTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseWaiter clears w unless a newer request has replaced it.
func (c *Connection) releaseWaiter(w *calibrationWaiter) {
	c.mu.Lock()
	if c.waiter == w {
		c.waiter = nil
	}
	c.mu.Unlock()
}

// handleCalibrationReply records a calibration reply. While a request is
// outstanding, replies for a different nozzle are broadcasts meant for
// someone else and are ignored entirely.
func (c *Connection) handleCalibrationReply(p *printReport) {
	nozzle := ""
	if p.NozzleDiameter.Valid {
		nozzle = NormalizeNozzle(p.NozzleDiameter.Value)
	}

	c.mu.Lock()
	w := c.waiter
	if w != nil && w.nozzle != "" && nozzle != w.nozzle {
		c.mu.Unlock()
		c.logger.Debug().
			Str("nozzle", nozzle).
			Str("expected", w.nozzle).
			Msg("Ignoring K-profile broadcast")
		return
	}
	profiles := c.tracker.applyCalibrations(p)
	if w != nil {
		c.waiter = nil
		w.done <- cloneCalibrations(profiles)
	}
	c.mu.Unlock()

	c.logger.Debug().
		Str("nozzle", nozzle).
		Int("profiles", len(profiles)).
		Bool("solicited", w != nil).
		Msg("Stored K-profiles")
}

func (c *Connection) cachedCalibrations(nozzle string) ([]Calibration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.calCache[nozzle]
	if !ok || c.clock.Now().Sub(entry.fetchedAt) >= c.cfg.CalibrationTTL {
		return nil, false
	}
	return cloneCalibrations(entry.profiles), true
}

func (c *Connection) storeCalibrations(nozzle string, profiles []Calibration) {
	c.mu.Lock()
	c.calCache[nozzle] = calibrationCacheEntry{profiles: profiles, fetchedAt: c.clock.Now()}
	c.mu.Unlock()
}

// CalibrationTable returns every K-profile seen so far, ordered by cali_idx.
func (c *Connection) CalibrationTable() []Calibration {
	c.mu.RLock()
	out := make([]Calibration, 0, len(c.tracker.calibrations))
	for _, cal := range c.tracker.calibrations {
		out = append(out, cal)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CaliIdx < out[j].CaliIdx })
	return out
}

func cloneCalibrations(in []Calibration) []Calibration {
	out := make([]Calibration, len(in))
	copy(out, in)
	return out
}
