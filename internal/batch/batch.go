// Package batch runs work items in sequential chunks with bounded parallelism
// inside each chunk.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-share-loader/internal/metrics"
)

// ErrPanic wraps a value recovered from a panicking item.
var ErrPanic = errors.New("item panicked")

// Config controls chunking and parallelism.
type Config struct {
	// Multiplier scales runtime.NumCPU() into the worker count.
	Multiplier int

	// Workers overrides the computed worker count when > 0.
	Workers int

	// ChunkSize defaults to the worker count.
	ChunkSize int

	// ChunkTimeout bounds how long the scheduler waits for one chunk.
	// Zero waits indefinitely.
	ChunkTimeout time.Duration

	// RetryChunk runs a timed-out chunk once more before dropping it.
	RetryChunk bool
}

// DefaultConfig returns one worker per CPU and a ten minute chunk timeout.
func DefaultConfig() Config {
	return Config{
		Multiplier:   1,
		ChunkTimeout: 600 * time.Second,
	}
}

// Scheduler runs chunks of items. A Scheduler is stateless between runs.
type Scheduler struct {
	name       string
	workers    int
	chunkSize  int
	timeout    time.Duration
	retryChunk bool
	log        *slog.Logger
}

// NewScheduler creates a scheduler; name labels its logs and metrics.
func NewScheduler(name string, cfg Config, log *slog.Logger) *Scheduler {
	workers := cfg.Workers
	if workers < 1 {
		mult := cfg.Multiplier
		if mult < 1 {
			mult = 1
		}
		workers = runtime.NumCPU() * mult
	}

	chunkSize := cfg.ChunkSize
	if chunkSize < 1 {
		chunkSize = workers
	}

	return &Scheduler{
		name:       name,
		workers:    workers,
		chunkSize:  chunkSize,
		timeout:    cfg.ChunkTimeout,
		retryChunk: cfg.RetryChunk,
		log:        log.With("component", "batch", "operation", name),
	}
}

// Workers returns the per-chunk parallelism.
func (s *Scheduler) Workers() int { return s.workers }

// ChunkSize returns the number of items per chunk.
func (s *Scheduler) ChunkSize() int { return s.chunkSize }

// Result is the outcome of one item.
type Result[O any] struct {
	Index int // position in the input
	Value O
	Err   error
}

// Report aggregates one run.
type Report[O any] struct {
	// Results of every completed chunk, in chunk order. Within a chunk the
	// order follows the input.
	Results []Result[O]

	DroppedChunks int
	DroppedItems  int
}

// Tally summarises a report.
type Tally struct {
	Succeeded int
	Failed    int
	Dropped   int
}

// Tally counts successes, failures and dropped items.
func (r Report[O]) Tally() Tally {
	t := Tally{Dropped: r.DroppedItems}
	for _, res := range r.Results {
		if res.Err != nil {
			t.Failed++
		} else {
			t.Succeeded++
		}
	}
	return t
}

// Run applies fn to every item. It never fails as a whole: item errors and
// panics are captured per item, and chunks that exceed the timeout are
// dropped from the report.
//
// A timed-out chunk is retried at most once when RetryChunk is set; the retry
// starts only items that have not started yet and waits for the rest. Every
// item runs at most once. A dropped chunk's running workers are not
// cancelled; they keep running with ctx and may finish after Run has moved on,
// but its unstarted items never run.
func Run[I, O any](ctx context.Context, s *Scheduler, items []I, fn func(context.Context, I) (O, error)) Report[O] {
	var report Report[O]

	total := (len(items) + s.chunkSize - 1) / s.chunkSize
	for n := 0; n < total; n++ {
		start := n * s.chunkSize
		end := start + s.chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		if ctx.Err() != nil {
			report.DroppedChunks += total - n
			report.DroppedItems += len(items) - start
			s.log.Warn("context done, skipping remaining chunks",
				"remaining_chunks", total-n,
				"error", ctx.Err(),
			)
			break
		}

		began := time.Now()
		run := newChunkRun(chunk, start, fn)
		ok := run.attempt(ctx, s)
		if !ok && s.retryChunk && ctx.Err() == nil {
			s.log.Warn("chunk timed out, retrying", "chunk", n, "items", len(chunk))
			ok = run.attempt(ctx, s)
		}

		if m := metrics.Get(); m != nil {
			m.ObserveChunkDuration(metrics.Labels{Operation: s.name}, time.Since(began).Seconds())
		}

		if !ok {
			abandoned := run.abandon()
			report.DroppedChunks++
			report.DroppedItems += len(chunk)
			if m := metrics.Get(); m != nil {
				m.IncChunksDropped(metrics.Labels{Operation: s.name})
			}
			s.log.Error("chunk dropped",
				"chunk", n,
				"items", len(chunk),
				"never_started", abandoned,
				"timeout", s.timeout.String(),
			)
			continue
		}

		report.Results = append(report.Results, run.results...)
		s.log.Debug("chunk complete",
			"chunk", n,
			"of", total,
			"items", len(chunk),
			"duration", time.Since(began).String(),
		)
	}

	return report
}

const (
	itemPending int32 = iota
	itemClaimed
	itemAbandoned
)

// chunkRun holds one chunk's per-item state across attempts. An item is
// claimed exactly once, so a retry only starts items that no earlier attempt
// started and waits for the ones still in flight.
type chunkRun[I, O any] struct {
	chunk   []I
	offset  int
	fn      func(context.Context, I) (O, error)
	state   []atomic.Int32
	done    []chan struct{}
	results []Result[O]
}

func newChunkRun[I, O any](chunk []I, offset int, fn func(context.Context, I) (O, error)) *chunkRun[I, O] {
	r := &chunkRun[I, O]{
		chunk:   chunk,
		offset:  offset,
		fn:      fn,
		state:   make([]atomic.Int32, len(chunk)),
		done:    make([]chan struct{}, len(chunk)),
		results: make([]Result[O], len(chunk)),
	}
	for i := range r.done {
		r.done[i] = make(chan struct{})
	}
	return r
}

// attempt starts every pending item and reports false if the chunk did not
// finish in time.
func (r *chunkRun[I, O]) attempt(ctx context.Context, s *Scheduler) bool {
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		// Plain group: one item's error must not cancel its siblings.
		var g errgroup.Group
		g.SetLimit(s.workers)
		for i, item := range r.chunk {
			if r.state[i].Load() != itemPending {
				continue
			}
			g.Go(func() error {
				if !r.state[i].CompareAndSwap(itemPending, itemClaimed) {
					return nil
				}
				r.results[i] = runItem(ctx, r.offset+i, item, r.fn)
				close(r.done[i])
				return nil
			})
		}
		g.Wait()

		for i := range r.done {
			if r.state[i].Load() == itemAbandoned {
				return
			}
			<-r.done[i]
		}
	}()

	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-finished:
		return true
	case <-timeout:
		return false
	case <-ctx.Done():
		return false
	}
}

// abandon marks every unstarted item so no attempt starts it later, and
// returns how many were abandoned.
func (r *chunkRun[I, O]) abandon() int {
	n := 0
	for i := range r.state {
		if r.state[i].CompareAndSwap(itemPending, itemAbandoned) {
			n++
		}
	}
	return n
}

func runItem[I, O any](ctx context.Context, idx int, item I, fn func(context.Context, I) (O, error)) (res Result[O]) {
	res.Index = idx
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	res.Value, res.Err = fn(ctx, item)
	return res
}
