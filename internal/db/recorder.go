package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/telemux/internal/monitoring"
	"github.com/banshee-data/telemux/internal/telemetry"
)

// EventRecorder persists engine events on a background goroutine. Record
// never blocks: when the queue is full the event is dropped and counted.
type EventRecorder struct {
	db       *DB
	runID    string
	events   chan telemetry.Event
	batch    int
	interval time.Duration

	dropped atomic.Int64
	failed  atomic.Int64
	started atomic.Bool
	done    chan struct{}
	once    sync.Once
}

var _ telemetry.EventRecorder = (*EventRecorder)(nil)

// RecorderConfig tunes an EventRecorder. Zero values take defaults.
type RecorderConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// NewEventRecorder creates a recorder for runID. Call Start to begin
// writing.
func NewEventRecorder(db *DB, runID string, cfg RecorderConfig) *EventRecorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &EventRecorder{
		db:       db,
		runID:    runID,
		events:   make(chan telemetry.Event, cfg.QueueSize),
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		done:     make(chan struct{}),
	}
}

// Record queues e for storage.
func (r *EventRecorder) Record(e telemetry.Event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped is the number of events lost to a full queue.
func (r *EventRecorder) Dropped() int64 { return r.dropped.Load() }

// Failed is the number of events lost to database errors.
func (r *EventRecorder) Failed() int64 { return r.failed.Load() }

// Start runs the writer until ctx is cancelled or Close is called. Queued
// events are flushed before it returns.
func (r *EventRecorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		pending := make([]telemetry.Event, 0, r.batch)
		flush := func() {
			if len(pending) == 0 {
				return
			}
			if err := r.db.InsertEvents(r.runID, pending); err != nil {
				r.failed.Add(int64(len(pending)))
				monitoring.Logf("db: dropped %d events: %v", len(pending), err)
			}
			pending = pending[:0]
		}

		for {
			select {
			case <-ctx.Done():
				r.drain(&pending)
				flush()
				return
			case e, ok := <-r.events:
				if !ok {
					flush()
					return
				}
				pending = append(pending, e)
				if len(pending) >= r.batch {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()
}

func (r *EventRecorder) drain(pending *[]telemetry.Event) {
	for {
		select {
		case e, ok := <-r.events:
			if !ok {
				return
			}
			*pending = append(*pending, e)
		default:
			return
		}
	}
}

// Close stops accepting events and waits for the writer to flush. Record
// must not be called after Close.
func (r *EventRecorder) Close() {
	r.once.Do(func() { close(r.events) })
	if r.started.Load() {
		<-r.done
	}
}
