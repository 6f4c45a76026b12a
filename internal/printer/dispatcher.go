package printer

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handlers are the notifications a Manager delivers. They run one at a time
// on the manager's dispatch goroutine, never on a transport goroutine, and
// must not block for long.
type Handlers struct {
	StateUpdate        func(serial string, state DeviceState)
	Connect            func(serial string)
	Disconnect         func(serial string)
	AssignmentComplete func(result AssignmentResult)
	NozzleCount        func(serial string, count int)
	TrayReading        func(serial string, previous *int, current int)
}

// hookSet is shared by a Manager and all its connections, so handlers set
// after a connection exists still reach it.
type hookSet struct {
	mu sync.RWMutex
	h  Handlers
}

func (s *hookSet) get() Handlers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h
}

func (s *hookSet) update(fn func(h *Handlers)) {
	s.mu.Lock()
	fn(&s.h)
	s.mu.Unlock()
}

// dispatcher runs queued notifications on a single goroutine in the order
// they were posted.
type dispatcher struct {
	queue   chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	logger  zerolog.Logger
}

func newDispatcher(size int, logger zerolog.Logger) *dispatcher {
	d := &dispatcher{
		queue:   make(chan func(), size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case fn := <-d.queue:
			d.invoke(fn)
		case <-d.done:
			for {
				select {
				case fn := <-d.queue:
					d.invoke(fn)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Notification handler panicked")
		}
	}()
	fn()
}

// post queues fn. It blocks while the queue is full and reports false once
// the dispatcher is closed.
func (d *dispatcher) post(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- fn:
		return true
	case <-d.done:
		return false
	}
}

// close stops accepting work, runs what is already queued and waits for the
// goroutine to exit.
func (d *dispatcher) close() {
	d.once.Do(func() { close(d.done) })
	<-d.stopped
}
