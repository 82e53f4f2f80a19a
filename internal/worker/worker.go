package worker

import (
	"context"
	"sync"
	"time"

	"waschedule/internal/gateway"
	"waschedule/internal/model"
	"waschedule/internal/mstore"

	"github.com/useinsider/go-pkg/inslogger"
)

// Worker is the delivery engine: a single recurring poll loop that claims
// due schedules, dispatches them to the gateway and records the outcome.
// Cycles never overlap; the next tick only fires after the previous cycle
// returned.
type Worker struct {
	store     mstore.ScheduleStore
	sender    gateway.Sender
	logger    inslogger.Interface
	interval  time.Duration
	batchSize int

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(store mstore.ScheduleStore, sender gateway.Sender, logger inslogger.Interface, interval time.Duration, batchSize int) *Worker {
	return &Worker{
		store:     store,
		sender:    sender,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start launches the poll loop. It is idempotent: a second call while
// running is a no-op returning false.
func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.isRunning = true

	go w.loop(ctx)

	w.logger.Logf("Delivery worker started (interval=%s, batch=%d)", w.interval, w.batchSize)
	return true
}

// Stop cancels scheduling and waits for the in-flight cycle, if any, to
// complete. A record claimed by the current cycle always reaches a terminal
// status before Stop returns.
func (w *Worker) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return false
	}

	w.cancel()
	<-w.done
	w.isRunning = false

	w.logger.Log("Delivery worker stopped")
	return true
}

func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Immediate first cycle on start; subsequent cycles on the ticker.
	w.runCycle()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runCycle()
		}
	}
}

// runCycle executes one poll cycle against a background context: stopping
// the worker must never interrupt a send already dispatched to the gateway.
func (w *Worker) runCycle() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("Recovered from panic in poll cycle: %v", r)
		}
	}()

	ctx := context.Background()
	now := time.Now().UTC()

	claimed, err := w.store.ClaimDue(ctx, now, w.batchSize)
	if err != nil {
		// Transient store failure; the next cycle retries on normal cadence.
		w.logger.Errorf("Failed to claim due schedules: %v", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	w.logger.Logf("Found %d due schedules to send", len(claimed))

	for _, s := range claimed {
		w.deliver(ctx, s)
	}
}

// deliver dispatches one claimed schedule and persists the terminal state.
// Failures stay local to the record: the rest of the batch always proceeds.
func (w *Worker) deliver(ctx context.Context, s model.Schedule) {
	var res gateway.Result
	if s.ImagePath != nil && *s.ImagePath != "" {
		res = w.sender.SendImage(ctx, s.Phone, *s.ImagePath, s.MessageMD)
	} else {
		res = w.sender.SendText(ctx, s.Phone, s.MessageMD)
	}

	now := time.Now().UTC()
	fields := mstore.Fields{
		"gateway_response": res.Raw(),
	}
	if res.Success() {
		fields["status"] = model.StatusSent
		fields["sent_at"] = now
		w.logger.Logf("Successfully sent schedule %s to %s", s.ID, s.Phone)
	} else {
		fields["status"] = model.StatusFailed
		w.logger.Warnf("Failed to send schedule %s: %s", s.ID, res.Message)
	}

	if err := w.store.UpdateFields(ctx, s.ID, fields); err != nil {
		w.logger.Errorf("Failed to persist outcome for schedule %s: %v", s.ID, err)
	}
}
