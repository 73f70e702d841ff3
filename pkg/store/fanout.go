package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/synaptiq/neuroledger/pkg/ledger"
	"github.com/synaptiq/neuroledger/pkg/retry"
)

// Alert is raised when a secondary tier cannot reach consistency for an
// event within the reconciliation deadline. It is an operational signal, not
// a producer-facing error.
type Alert struct {
	EventID string
	Tier    string
	Err     error
}

// FanoutConfig tunes the write fan-out.
type FanoutConfig struct {
	// ReconcileDeadline bounds how long a warm/cold write may lag the hot
	// acknowledgment before an alert fires. Default 5 minutes.
	ReconcileDeadline time.Duration
	// RetryPolicy drives background retries for secondary tiers.
	RetryPolicy retry.BackoffPolicy
	// QueueSize bounds the background write queue.
	QueueSize int
	// Workers is the number of background writers.
	Workers int
}

func (c *FanoutConfig) applyDefaults() {
	if c.ReconcileDeadline <= 0 {
		c.ReconcileDeadline = 5 * time.Minute
	}
	if c.RetryPolicy.MaxAttempts == 0 {
		c.RetryPolicy = retry.DefaultPolicy()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

type writeJob struct {
	store    LedgerStore
	ev       *ledger.Event
	record   []byte
	attempt  int
	deadline time.Time
}

// Fanout writes one finalized event to every tier. The hot store gates the
// acknowledgment (and the chain-head advance); the session and analytical
// tiers are written asynchronously with bounded retry and per-store failure
// isolation.
type Fanout struct {
	hot         HotStore
	secondaries []LedgerStore
	cfg         FanoutConfig
	logger      *slog.Logger
	onAlert     func(Alert)

	jobs    chan writeJob
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewFanout builds the fan-out. onAlert may be nil; alerts are always logged.
func NewFanout(hot HotStore, secondaries []LedgerStore, cfg FanoutConfig, onAlert func(Alert)) *Fanout {
	cfg.applyDefaults()

	f := &Fanout{
		hot:         hot,
		secondaries: secondaries,
		cfg:         cfg,
		logger:      slog.Default().With("component", "fanout"),
		onAlert:     onAlert,
		jobs:        make(chan writeJob, cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Write persists a finalized event. It returns once the hot store
// acknowledges; ChainConflictError and StorageWriteFailure pass through to
// the caller, secondary tiers never do.
func (f *Fanout) Write(ctx context.Context, ev *ledger.Event) error {
	record, err := ledger.CanonicalBytes(ev)
	if err != nil {
		return err
	}

	if err := f.hot.AppendCAS(ctx, ev, record); err != nil {
		return err
	}

	deadline := time.Now().Add(f.cfg.ReconcileDeadline)
	for _, s := range f.secondaries {
		f.enqueue(writeJob{store: s, ev: ev, record: record, deadline: deadline})
	}
	return nil
}

// enqueue holds closeMu across the send so Close cannot close the queue
// between the closed check and the send.
func (f *Fanout) enqueue(job writeJob) {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.closed {
		f.alert(Alert{EventID: job.ev.EventID, Tier: job.store.Tier(), Err: errors.New("fanout closed before write")})
		return
	}
	select {
	case f.jobs <- job:
	default:
		// Queue saturated: the event is already durable in the hot tier, but
		// reconciliation is now at risk. Surface it immediately.
		f.alert(Alert{EventID: job.ev.EventID, Tier: job.store.Tier(), Err: errors.New("background write queue saturated")})
	}
}

func (f *Fanout) worker() {
	defer f.wg.Done()

	for job := range f.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := job.store.Append(ctx, job.ev, job.record)
		cancel()
		if err == nil {
			continue
		}

		next := job.attempt + 1
		if next >= f.cfg.RetryPolicy.MaxAttempts || time.Now().After(job.deadline) {
			f.alert(Alert{EventID: job.ev.EventID, Tier: job.store.Tier(), Err: err})
			continue
		}

		f.logger.Warn("secondary tier write failed, will retry",
			"tier", job.store.Tier(), "event_id", job.ev.EventID, "attempt", next, "error", err)

		delay := retry.ComputeBackoff(retry.BackoffParams{
			Tier:         job.store.Tier(),
			EventID:      job.ev.EventID,
			AttemptIndex: next,
		}, f.cfg.RetryPolicy)

		retryJob := job
		retryJob.attempt = next
		time.AfterFunc(delay, func() { f.enqueue(retryJob) })
	}
}

func (f *Fanout) alert(a Alert) {
	f.logger.Error("reconciliation alert: tier not consistent within deadline",
		"tier", a.Tier, "event_id", a.EventID, "error", a.Err)
	if f.onAlert != nil {
		f.onAlert(a)
	}
}

// Flush drains in-flight background writes. Test hook: blocks until the
// queue is observed empty or the timeout elapses.
func (f *Fanout) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(f.jobs) == 0 {
			// give workers a beat to finish the record in hand
			time.Sleep(10 * time.Millisecond)
			if len(f.jobs) == 0 {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Close stops the background writers after the queued work drains.
func (f *Fanout) Close() {
	f.closeMu.Lock()
	if f.closed {
		f.closeMu.Unlock()
		return
	}
	f.closed = true
	f.closeMu.Unlock()

	close(f.jobs)
	f.wg.Wait()
}
