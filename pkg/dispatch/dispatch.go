// Package dispatch coalesces concurrent model invocations into batches and
// fans each batch out as concurrent upstream calls. One background worker
// owns the queue; it flushes when the batch reaches the configured size or
// when the flush timer elapses with requests pending, whichever comes first.
// Exactly one flush is in flight at a time; requests submitted during a
// flush accumulate into a fresh batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/coalesce-ai/coalesce/pkg/models"
)

var (
	// ErrQueueFull is returned when the submission queue is saturated.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrTimeout is returned when a caller's wait ceiling elapses before
	// its batch completes.
	ErrTimeout = errors.New("timed out waiting for batch completion")
)

// Resolver resolves a model name to its call configuration.
type Resolver interface {
	Resolve(ctx context.Context, name string) (models.ModelConfig, error)
}

// Config carries the dispatcher tunables.
type Config struct {
	BatchSize      int
	FlushTimeout   time.Duration
	MaxConcurrent  int64
	QueueSize      int
	RequestTimeout time.Duration
}

// Request is a single pending invocation.
type Request struct {
	ID         string
	Model      string
	Input      string
	Args       map[string]any
	EnqueuedAt time.Time
}

// NewRequest builds a Request with a fresh identity.
func NewRequest(model, input string, args map[string]any) Request {
	return Request{
		ID:         uuid.NewString(),
		Model:      model,
		Input:      input,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Outcome is the result-or-error of one request. Exactly one of Result and
// Err is meaningful.
type Outcome struct {
	Result []byte
	Err    error
}

// Ticket is a caller's one-shot completion handle. The executor writes the
// outcome at most once; an abandoned ticket is never written to.
type Ticket struct {
	req       Request
	outcome   chan Outcome
	abandoned atomic.Bool
}

func newTicket(req Request) *Ticket {
	return &Ticket{req: req, outcome: make(chan Outcome, 1)}
}

// Outcome returns the completion channel. It receives exactly one value
// unless the ticket is abandoned first.
func (t *Ticket) Outcome() <-chan Outcome {
	return t.outcome
}

// Abandon marks the ticket so the executor discards its result instead of
// writing into a slot nobody will read.
func (t *Ticket) Abandon() {
	t.abandoned.Store(true)
}

// Wait blocks until the outcome arrives, the ceiling elapses, or ctx is
// cancelled. On timeout or cancellation the ticket is abandoned.
func (t *Ticket) Wait(ctx context.Context, ceiling time.Duration) ([]byte, error) {
	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case out := <-t.outcome:
		return out.Result, out.Err
	case <-timer.C:
		t.Abandon()
		return nil, ErrTimeout
	case <-ctx.Done():
		t.Abandon()
		return nil, ctx.Err()
	}
}

func (t *Ticket) deliver(out Outcome) {
	if t.abandoned.Load() {
		log.Printf("dispatch: dropping result for abandoned request %s (model %s)", t.req.ID, t.req.Model)
		return
	}
	t.outcome <- out
}

// Dispatcher owns the coalescing queue and its single worker.
type Dispatcher struct {
	cfg      Config
	resolver Resolver
	client   *http.Client
	sem      *semaphore.Weighted

	submit  chan *Ticket
	stopCh  chan struct{}
	done    chan struct{}
	stopped atomic.Bool

	submitted atomic.Int64
	flushes   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a Dispatcher. Call Start before submitting.
func New(cfg Config, resolver Resolver) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		resolver: resolver,
		client:   &http.Client{},
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		submit:   make(chan *Ticket, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the dispatch worker.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop stops intake, flushes whatever is queued, waits for the in-flight
// fan-out to finish, and returns.
func (d *Dispatcher) Stop() {
	if d.stopped.Swap(true) {
		return
	}
	close(d.stopCh)
	<-d.done
}

// Submit enqueues a request and returns its completion ticket without
// blocking on the flush.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Ticket, error) {
	if d.stopped.Load() {
		return nil, ErrStopped
	}

	t := newTicket(req)
	select {
	case d.submit <- t:
		d.submitted.Add(1)
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	batch := make([]*Ticket, 0, d.cfg.BatchSize)
	timer := time.NewTimer(d.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case t := <-d.submit:
			batch = append(batch, t)
			if len(batch) >= d.cfg.BatchSize {
				d.flush(batch)
				batch = make([]*Ticket, 0, d.cfg.BatchSize)
				resetTimer(timer, d.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = make([]*Ticket, 0, d.cfg.BatchSize)
			}
			timer.Reset(d.cfg.FlushTimeout)

		case <-d.stopCh:
			// Drain queued submissions so no accepted ticket is left
			// without an outcome.
			for {
				select {
				case t := <-d.submit:
					batch = append(batch, t)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				d.flush(batch)
			}
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// flush hands the batch to the fan-out executor. It runs on the worker
// goroutine, so a new flush cannot start while this one is dispatching. A
// flush's failures land in per-request outcomes and never stop the worker.
func (d *Dispatcher) flush(batch []*Ticket) {
	d.flushes.Add(1)
	d.execute(context.Background(), batch)
}

// execute resolves each request's model config and issues all resolved
// calls concurrently, bounded by the semaphore. Resolution failures fail
// only their own request and never consume a concurrency slot. One
// request's upstream failure never aborts or delays its siblings.
func (d *Dispatcher) execute(ctx context.Context, batch []*Ticket) {
	var wg sync.WaitGroup

	for _, t := range batch {
		mc, err := d.resolver.Resolve(ctx, t.req.Model)
		if err != nil {
			d.failed.Add(1)
			t.deliver(Outcome{Err: err})
			continue
		}

		wg.Add(1)
		go func(t *Ticket, mc models.ModelConfig) {
			defer wg.Done()

			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.failed.Add(1)
				t.deliver(Outcome{Err: fmt.Errorf("acquire dispatch slot: %w", err)})
				return
			}
			defer d.sem.Release(1)

			out := d.call(ctx, mc, t.req)
			if out.Err != nil {
				d.failed.Add(1)
			} else {
				d.completed.Add(1)
			}
			t.deliver(out)
		}(t, mc)
	}

	wg.Wait()
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Flushes   int64 `json:"flushes"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

// Stats returns the current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Flushes:   d.flushes.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Queued:    len(d.submit),
	}
}
