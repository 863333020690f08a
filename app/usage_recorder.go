package app

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/comparellm/domain/usage"
	"github.com/artpar/comparellm/ports"
	"github.com/rs/zerolog"
)

// UsageRecorder buffers usage events and writes them in batches to the store.
// Write failures are logged and dropped; usage logging never fails a request.
type UsageRecorder struct {
	store         ports.UsageStore
	logger        zerolog.Logger
	buffer        []usage.Event
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup
	closeOnce     sync.Once
}

// NewUsageRecorder creates a usage recorder and starts its flush loop.
func NewUsageRecorder(store ports.UsageStore, batchSize int, flushInterval time.Duration, logger zerolog.Logger) *UsageRecorder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	r := &UsageRecorder{
		store:         store,
		logger:        logger,
		buffer:        make([]usage.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Record queues a usage event. A full buffer is written in the background.
func (r *UsageRecorder) Record(e usage.Event) {
	r.mu.Lock()
	r.buffer = append(r.buffer, e)
	var batch []usage.Event
	if len(r.buffer) >= r.batchSize {
		batch = r.takeLocked()
	}
	r.mu.Unlock()

	if batch != nil {
		r.writes.Add(1)
		go func() {
			defer r.writes.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			r.write(ctx, batch)
		}()
	}
}

// Flush writes queued events now.
func (r *UsageRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.takeLocked()
	r.mu.Unlock()
	return r.write(ctx, batch)
}

func (r *UsageRecorder) takeLocked() []usage.Event {
	if len(r.buffer) == 0 {
		return nil
	}
	events := make([]usage.Event, len(r.buffer))
	copy(events, r.buffer)
	r.buffer = r.buffer[:0]
	return events
}

func (r *UsageRecorder) write(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.store.RecordBatch(ctx, events); err != nil {
		r.logger.Error().Err(err).Int("events", len(events)).Msg("failed to write usage events")
		return err
	}
	return nil
}

func (r *UsageRecorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the recorder and flushes remaining events.
func (r *UsageRecorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		r.writes.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = r.Flush(ctx)
	})
	return err
}

// Ensure interface compliance.
var _ ports.UsageRecorder = (*UsageRecorder)(nil)
