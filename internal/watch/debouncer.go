package watch

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces rapid events on the same path so an editor save burst
// becomes a single reindex job. Coalescing rules:
//   - CREATE then MODIFY = CREATE (still a new file)
//   - CREATE then DELETE = nothing (never really existed)
//   - MODIFY then DELETE = DELETE
//   - DELETE then CREATE = MODIFY (file was replaced)
type Debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	pending map[string]*pendingEvent
	output  chan []Event
	timer   *time.Timer
	stopped bool
	logger  *slog.Logger
}

type pendingEvent struct {
	event   Event
	firstOp Op
}

func NewDebouncer(window time.Duration, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []Event, 16),
		logger:  logger,
	}
}

// Add records an event, coalescing with any pending event for the same path,
// and (re)arms the flush timer.
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	existing, ok := d.pending[event.Path]
	if !ok {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Op}
		d.scheduleFlushLocked()
		return
	}

	switch {
	case existing.firstOp == OpCreate && event.Op == OpDelete:
		delete(d.pending, event.Path)
	case existing.firstOp == OpCreate:
		// Still new from the consumer's point of view.
		existing.event.Op = OpCreate
	case existing.firstOp == OpDelete && event.Op == OpCreate:
		existing.event.Op = OpModify
	default:
		existing.event.Op = event.Op
	}
	d.scheduleFlushLocked()
}

func (d *Debouncer) scheduleFlushLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]Event, 0, len(d.pending))
	for _, pe := range d.pending {
		events = append(events, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- events:
	default:
		d.logger.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)))
	}
}

// Output returns the channel of debounced batches.
func (d *Debouncer) Output() <-chan []Event {
	return d.output
}

// Stop drops pending events and closes the output channel. Safe to call
// more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
