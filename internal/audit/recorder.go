package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketlens/backend/internal/metrics"
	"github.com/marketlens/backend/internal/repository"
)

const (
	writeTimeout = 5 * time.Second
	retryDelay   = 250 * time.Millisecond
)

// Recorder accepts security events and persists them from a background
// worker. Record never blocks: when the buffer is full the event is
// dropped and the drop is counted, which is the monitoring signal that
// the event store is falling behind.
type Recorder struct {
	events  repository.EventRepository
	buffer  chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewRecorder starts a recorder with the given buffer size.
func NewRecorder(events repository.EventRepository, bufferSize int, logger *slog.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &Recorder{
		events: events,
		buffer: make(chan Event, bufferSize),
		logger: logger,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues one event. It returns immediately whether or not the
// event fit in the buffer.
func (r *Recorder) Record(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	select {
	case r.buffer <- event:
		metrics.AuditEventsRecorded.Inc()
	default:
		n := r.dropped.Add(1)
		metrics.AuditEventsDropped.Inc()
		r.logger.Error("security event dropped, buffer full",
			"category", event.Category,
			"outcome", event.Outcome,
			"dropped_total", n,
		)
	}
}

// Dropped returns how many events have been dropped since start.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and drains the buffer. Safe to call more
// than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.buffer)
	})
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for event := range r.buffer {
		r.persist(event)
	}
}

// persist writes one event with a bounded timeout and a single retry.
// The context is detached from any request: the triggering operation has
// already returned and must not be able to cancel the write.
func (r *Recorder) persist(event Event) {
	row := &repository.SecurityEvent{
		OccurredAt: event.OccurredAt,
		IdentityID: event.IdentityID,
		Category:   event.Category,
		Outcome:    event.Outcome,
		IPAddress:  event.IPAddress,
		UserAgent:  event.UserAgent,
		Metadata:   event.Metadata,
	}

	err := r.insert(row)
	if err == nil {
		return
	}

	time.Sleep(retryDelay)
	if err = r.insert(row); err == nil {
		return
	}

	metrics.AuditEventsFailed.Inc()
	r.logger.Error("security event write failed after retry",
		"category", event.Category,
		"outcome", event.Outcome,
		"error", err,
	)
}

func (r *Recorder) insert(row *repository.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return r.events.Insert(ctx, row)
}
