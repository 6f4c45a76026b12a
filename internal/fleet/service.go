// Package fleet wires the printer manager to storage and the UI.
//
// Service registers the manager's notification handlers once, persists what
// the printers teach us (nozzle count, last contact, completed slot
// assignments) and forwards every event to websocket clients.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spoolbuddy/backend/internal/config"
	"github.com/spoolbuddy/backend/internal/printer"
	"github.com/spoolbuddy/backend/internal/storage"
	"github.com/spoolbuddy/backend/internal/storage/models"
	"github.com/spoolbuddy/backend/internal/websocket"
)

const (
	// lastSeenInterval throttles last_seen_at writes from state updates.
	lastSeenInterval = time.Minute

	storeTimeout = 5 * time.Second
)

// ErrUnknownPrinter is returned for a serial that is not in storage.
var ErrUnknownPrinter = errors.New("unknown printer")

// Service owns the printer manager's handlers for the life of the process.
type Service struct {
	manager  *printer.Manager
	printers *storage.PrinterRepository
	slots    *storage.SlotAssignmentRepository
	events   *websocket.EventBroadcaster
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewService creates a fleet service. Call Start to attach it to the manager.
func NewService(
	manager *printer.Manager,
	printers *storage.PrinterRepository,
	slots *storage.SlotAssignmentRepository,
	events *websocket.EventBroadcaster,
	logger zerolog.Logger,
) *Service {
	return &Service{
		manager:  manager,
		printers: printers,
		slots:    slots,
		events:   events,
		logger:   logger.With().Str("component", "fleet").Logger(),
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// Manager returns the printer manager the service drives.
func (s *Service) Manager() *printer.Manager {
	return s.manager
}

// Start registers the manager handlers.
func (s *Service) Start() {
	s.manager.SetHandlers(printer.Handlers{
		StateUpdate:        s.onStateUpdate,
		Connect:            s.onConnect,
		Disconnect:         s.onDisconnect,
		AssignmentComplete: s.onAssignmentComplete,
		NozzleCount:        s.onNozzleCount,
		TrayReading:        s.onTrayReading,
	})
}

// SeedPrinters upserts the printers declared in the config file.
func (s *Service) SeedPrinters(ctx context.Context, seeds []config.PrinterSeed) error {
	for _, seed := range seeds {
		p := &models.Printer{
			Serial:      seed.Serial,
			Name:        seed.Name,
			IPAddress:   seed.IPAddress,
			AccessCode:  seed.AccessCode,
			AutoConnect: seed.AutoConnect,
		}
		if seed.Model != "" {
			model := seed.Model
			p.Model = &model
		}
		if p.Name == "" {
			p.Name = seed.Serial
		}
		if err := s.printers.Upsert(ctx, p); err != nil {
			return fmt.Errorf("seeding printer %s: %w", seed.Serial, err)
		}
	}
	if len(seeds) > 0 {
		s.logger.Info().Int("printers", len(seeds)).Msg("Seeded printers from config")
	}
	return nil
}

// Connect opens a session with a stored printer.
func (s *Service) Connect(ctx context.Context, serial string) error {
	p, err := s.printers.GetBySerial(ctx, serial)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPrinter, serial)
	}
	return s.connect(ctx, p)
}

func (s *Service) connect(ctx context.Context, p *models.Printer) error {
	if !p.CanConnect() {
		return fmt.Errorf("printer %s has no address or access code", p.Serial)
	}
	return s.manager.Connect(ctx, printer.Info{
		Serial:     p.Serial,
		Address:    p.IPAddress,
		AccessCode: p.AccessCode,
		Name:       p.Name,
	})
}

// AutoConnect connects every stored auto-connect printer that is not
// already registered, concurrently. Individual failures are logged; the
// number of printers connected is returned.
func (s *Service) AutoConnect(ctx context.Context) (int, error) {
	printers, err := s.printers.ListAutoConnect(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing auto-connect printers: %w", err)
	}

	registered := make(map[string]bool)
	for _, serial := range s.manager.Serials() {
		registered[serial] = true
	}

	var (
		mu        sync.Mutex
		connected int
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range printers {
		p := &printers[i]
		if registered[p.Serial] {
			continue
		}
		g.Go(func() error {
			s.logger.Info().Str("serial", p.Serial).Msg("Auto-connecting printer")
			if err := s.connect(gctx, p); err != nil {
				s.logger.Error().Err(err).Str("serial", p.Serial).Msg("Auto-connect failed")
				return nil
			}
			mu.Lock()
			connected++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return connected, nil
}

func (s *Service) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (s *Service) onStateUpdate(serial string, state printer.DeviceState) {
	s.events.BroadcastPrinterState(serial, state)
	s.touchLastSeen(serial, false)
}

func (s *Service) onConnect(serial string) {
	s.logger.Info().Str("serial", serial).Msg("Printer connected")
	s.events.BroadcastPrinterConnected(serial)
	s.touchLastSeen(serial, true)
}

func (s *Service) onDisconnect(serial string) {
	s.logger.Warn().Str("serial", serial).Msg("Printer connection lost")
	s.events.BroadcastPrinterDisconnected(serial, s.manager.Status(serial))
}

func (s *Service) onNozzleCount(serial string, count int) {
	s.events.BroadcastNozzleCount(serial, count)

	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.printers.SetNozzleCount(ctx, serial, count); err != nil {
		s.logger.Error().Err(err).Str("serial", serial).Msg("Failed to persist nozzle count")
	}
}

func (s *Service) onTrayReading(serial string, previous *int, current int) {
	s.events.BroadcastTrayReading(serial, previous, current)
}

func (s *Service) onAssignmentComplete(result printer.AssignmentResult) {
	s.events.BroadcastAssignmentCompleted(result)

	if !result.Success {
		s.events.BroadcastNotification("error", "Slot configuration failed",
			fmt.Sprintf("Spool %s could not be configured in AMS %d tray %d", result.SpoolID, result.AmsID, result.TrayID))
		return
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	if _, err := s.slots.Assign(ctx, result.Serial, result.AmsID, result.TrayID, result.SpoolID); err != nil {
		s.logger.Error().Err(err).
			Str("serial", result.Serial).
			Int("ams_id", result.AmsID).
			Int("tray_id", result.TrayID).
			Msg("Failed to persist slot assignment")
	}
}

// touchLastSeen records contact with serial, at most once per
// lastSeenInterval unless force is set.
func (s *Service) touchLastSeen(serial string, force bool) {
	now := s.now()

	s.mu.Lock()
	last, ok := s.lastSeen[serial]
	if ok && !force && now.Sub(last) < lastSeenInterval {
		s.mu.Unlock()
		return
	}
	s.lastSeen[serial] = now
	s.mu.Unlock()

	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.printers.TouchLastSeen(ctx, serial, now); err != nil {
		s.logger.Warn().Err(err).Str("serial", serial).Msg("Failed to update last seen")
	}
}
