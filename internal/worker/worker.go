// Package worker refreshes segment audience sizes from bus jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
)

// QueueName is the queue group recalculation workers join so that a job
// published once is processed by one worker process.
const QueueName = "heron-recalculators"

// Recalculator refreshes one segment's cached audience size.
type Recalculator interface {
	Recalculate(ctx context.Context, tenantID, segmentID string) (*domain.Segment, error)
}

// Worker consumes recalculation jobs with a bounded pool of goroutines.
type Worker struct {
	bus          domain.EventBus
	recalculator Recalculator
	concurrency  int

	jobs         chan *domain.Message
	subscription domain.Subscription
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	running      bool
	mu           sync.Mutex

	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds how many jobs run at once.
	Concurrency int
}

// NewWorker creates a recalculation worker.
func NewWorker(eventBus domain.EventBus, recalculator Recalculator, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Worker{
		bus:          eventBus,
		recalculator: recalculator,
		concurrency:  cfg.Concurrency,
	}
}

// Start subscribes to the job topic and launches the pool.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("worker already started")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.jobs = make(chan *domain.Message, w.concurrency)

	var (
		sub domain.Subscription
		err error
	)
	if qs, ok := w.bus.(bus.QueueSubscriber); ok {
		sub, err = qs.QueueSubscribe(w.ctx, domain.GlobalPartition, domain.TopicSegmentRecalculate, QueueName, w.enqueue)
	} else {
		sub, err = w.bus.Subscribe(w.ctx, domain.GlobalPartition, domain.TopicSegmentRecalculate, w.enqueue)
	}
	if err != nil {
		w.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicSegmentRecalculate, err)
	}
	w.subscription = sub

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	w.running = true

	slog.Info("recalculation worker started",
		"topic", domain.TopicSegmentRecalculate,
		"concurrency", w.concurrency,
	)
	return nil
}

// enqueue hands a job to the pool, blocking while every worker is busy.
func (w *Worker) enqueue(ctx context.Context, msg *domain.Message) error {
	select {
	case w.jobs <- msg:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.jobs:
			if err := w.process(w.ctx, msg); err != nil {
				w.failed.Add(1)
				slog.Error("recalculation failed",
					"message_id", msg.ID,
					"error", err,
				)
				continue
			}
			w.processed.Add(1)
		}
	}
}

// process recalculates the segment named by msg and announces the new size
// on the owning tenant's partition.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var job domain.RecalculateJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return fmt.Errorf("failed to parse recalculation job: %w", err)
	}
	if job.TenantID == "" || job.SegmentID == "" {
		return errors.New("recalculation job requires tenantId and segmentId")
	}

	seg, err := w.recalculator.Recalculate(ctx, job.TenantID, job.SegmentID)
	if err != nil {
		return fmt.Errorf("segment %s: %w", job.SegmentID, err)
	}

	event := domain.RecalculatedEvent{
		TenantID:     job.TenantID,
		SegmentID:    seg.ID,
		AudienceSize: seg.AudienceSize,
	}
	if seg.LastCalculated != nil {
		event.ComputedAt = seg.LastCalculated.Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal recalculated event: %w", err)
	}
	if err := w.bus.Publish(ctx, job.TenantID, domain.TopicSegmentRecalculated, payload); err != nil {
		slog.Error("failed to publish recalculated event",
			"tenant_id", job.TenantID,
			"segment_id", seg.ID,
			"error", err,
		)
	}

	slog.Info("segment recalculated",
		"tenant_id", job.TenantID,
		"segment_id", seg.ID,
		"audience_size", seg.AudienceSize,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight jobs to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	var err error
	if w.subscription != nil {
		if err = w.subscription.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", w.subscription.Topic(),
				"error", err,
			)
		}
		w.subscription = nil
	}
	w.cancel()
	w.wg.Wait()
	w.running = false

	slog.Info("recalculation worker stopped")
	return err
}

// Stats reports worker counters.
type Stats struct {
	Running     bool   `json:"running"`
	Concurrency int    `json:"concurrency"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return Stats{
		Running:     running,
		Concurrency: w.concurrency,
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
	}
}
