package rcu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// ErrClosed is returned by blocking operations on a closed [Domain].
var ErrClosed = errors.New("rcu: domain closed")

// Backoff used while waiting for a reader counter to drain.
const (
	defaultPollInitial = 50 * time.Microsecond
	defaultPollMax     = 2 * time.Millisecond
)

// Options configure a [Domain].
type Options struct {
	// Logger receives worker diagnostics. Defaults to logr.Discard().
	Logger logr.Logger

	// PollInitial is the first sleep while waiting for readers to drain.
	PollInitial time.Duration

	// PollMax caps the exponential drain backoff.
	PollMax time.Duration
}

// Stats is a point-in-time view of a domain's counters.
type Stats struct {
	// GracePeriods is the number of completed grace periods.
	GracePeriods uint64

	// Queued is the number of callbacks ever passed to Call.
	Queued uint64

	// Completed is the number of callbacks that have run.
	Completed uint64

	// Readers is the number of goroutines currently inside a read section.
	Readers int64
}

// Pending returns the number of callbacks waiting for a grace period.
func (s Stats) Pending() uint64 {
	return s.Queued - s.Completed
}

// Guard is a read-side critical section returned by [Domain.Read].
//
// Unlock must be called exactly once.
type Guard struct {
	d      *Domain
	parity uint64
}

// Unlock leaves the read section.
func (g Guard) Unlock() {
	g.d.readers[g.parity].Add(-1)
}

type callback struct {
	fn  func()
	seq uint64
}

// Domain tracks readers and runs deferred callbacks after grace periods.
type Domain struct {
	log logr.Logger

	epoch   atomic.Uint64
	readers [2]atomic.Int64

	// gpMu serializes grace periods; only its holder advances epoch.
	gpMu         sync.Mutex
	gracePeriods atomic.Uint64

	mu        sync.Mutex
	pending   []callback
	queued    uint64
	completed uint64
	progress  chan struct{} // closed and replaced after every batch
	closed    bool

	wake chan struct{}
	done chan struct{}

	pollInitial time.Duration
	pollMax     time.Duration
}

// New creates a domain and starts its reclamation worker.
func New(opts Options) *Domain {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	if opts.PollInitial <= 0 {
		opts.PollInitial = defaultPollInitial
	}

	if opts.PollMax < opts.PollInitial {
		opts.PollMax = max(defaultPollMax, opts.PollInitial)
	}

	d := &Domain{
		log:         opts.Logger,
		progress:    make(chan struct{}),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		pollInitial: opts.PollInitial,
		pollMax:     opts.PollMax,
	}

	go d.run()

	return d
}

// Read enters a read-side critical section.
func (d *Domain) Read() Guard {
	for {
		e := d.epoch.Load()
		p := e & 1

		d.readers[p].Add(1)

		if d.epoch.Load() == e {
			return Guard{d: d, parity: p}
		}

		// A grace period flipped the epoch between the load and the
		// increment; it may already have sampled this counter as empty.
		d.readers[p].Add(-1)
	}
}

// Call queues fn to run after a full grace period.
//
// fn never runs on the calling goroutine. Callbacks run one at a time, in
// queue order. Calling Call after Close panics.
func (d *Domain) Call(fn func()) {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		panic("rcu: Call on closed domain")
	}

	d.queued++
	d.pending = append(d.pending, callback{fn: fn, seq: d.queued})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Synchronize blocks until every reader that was inside a read section when
// Synchronize was called has left it.
func (d *Domain) Synchronize(ctx context.Context) error {
	d.gpMu.Lock()
	defer d.gpMu.Unlock()

	for range 2 {
		cur := d.epoch.Load()
		d.epoch.Store(cur + 1)

		err := d.drain(ctx, cur&1)
		if err != nil {
			return err
		}
	}

	d.gracePeriods.Add(1)

	return nil
}

// Barrier blocks until every callback queued before the call has run.
func (d *Domain) Barrier(ctx context.Context) error {
	d.mu.Lock()
	target := d.queued
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if d.completed >= target {
			d.mu.Unlock()

			return nil
		}

		ch := d.progress
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("rcu barrier: %w", ctx.Err())
		case <-ch:
		}
	}
}

// Close runs every queued callback and stops the worker.
//
// Close is idempotent. If ctx expires first the worker keeps draining in the
// background and Close returns the context error.
func (d *Domain) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rcu close: %w", ctx.Err())
	}
}

// Stats returns the domain's current counters.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	queued, completed := d.queued, d.completed
	d.mu.Unlock()

	return Stats{
		GracePeriods: d.gracePeriods.Load(),
		Queued:       queued,
		Completed:    completed,
		Readers:      d.readers[0].Load() + d.readers[1].Load(),
	}
}

func (d *Domain) drain(ctx context.Context, parity uint64) error {
	backoff := d.pollInitial

	for d.readers[parity].Load() != 0 {
		timer := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("rcu grace period: %w", ctx.Err())
		case <-timer.C:
		}

		backoff = min(backoff*2, d.pollMax)
	}

	return nil
}

func (d *Domain) run() {
	defer close(d.done)

	for {
		batch, closing := d.take()

		if len(batch) == 0 {
			if closing {
				return
			}

			<-d.wake

			continue
		}

		// The worker is never a reader, so an uncancellable wait is safe.
		_ = d.Synchronize(context.Background())

		for _, cb := range batch {
			d.invoke(cb)
		}

		d.finish(batch[len(batch)-1].seq)
	}
}

func (d *Domain) take() ([]callback, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.pending
	d.pending = nil

	return batch, d.closed
}

func (d *Domain) finish(seq uint64) {
	d.mu.Lock()
	d.completed = seq
	close(d.progress)
	d.progress = make(chan struct{})
	d.mu.Unlock()
}

func (d *Domain) invoke(cb callback) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(fmt.Errorf("panic: %v", r), "rcu callback panicked", "seq", cb.seq)
		}
	}()

	cb.fn()
}
