package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	// Pool fetches the items of a batch concurrently. Nil loads inline.
	Pool *ants.Pool
}

// Loader splits a Dataset into batches. Each call to Iter starts a new pass;
// shuffled loaders draw a new order per pass. The final batch of a pass may
// be short.
type Loader[T any] struct {
	ds     Dataset[T]
	opts   LoaderOptions
	mu     sync.Mutex
	passes int64
}

// NewLoader validates opts and rejects empty datasets.
func NewLoader[T any](ds Dataset[T], opts LoaderOptions) (*Loader[T], error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	return &Loader[T]{ds: ds, opts: opts}, nil
}

// Len returns the number of batches in one pass.
func (l *Loader[T]) Len() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// DatasetLen returns the number of items in one pass.
func (l *Loader[T]) DatasetLen() int { return l.ds.Len() }

// Iter opens a cursor over a fresh pass.
func (l *Loader[T]) Iter() *Cursor[T] { return l.IterBatches(0) }

// IterBatches opens a cursor over a fresh pass that stops after limit
// batches and never fetches beyond them. A limit <= 0 reads the whole pass.
func (l *Loader[T]) IterBatches(limit int) *Cursor[T] {
	l.mu.Lock()
	pass := l.passes
	l.passes++
	l.mu.Unlock()

	n := l.ds.Len()
	var order []int
	if l.opts.Shuffle {
		order = rand.New(rand.NewSource(l.opts.Seed + pass)).Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}
	return &Cursor[T]{loader: l, order: order, pass: pass, limit: limit}
}

type batchResult[T any] struct {
	items []T
	err   error
}

// Cursor is one pass over a Loader. The next batch is fetched in the
// background while the caller works on the current one.
type Cursor[T any] struct {
	loader  *Loader[T]
	order   []int
	pass    int64
	pos     int
	limit   int
	served  int
	pending chan batchResult[T]
}

// Next returns the next batch, or ok=false once the pass is exhausted.
func (c *Cursor[T]) Next(ctx context.Context) (items []T, ok bool, err error) {
	if c.pending == nil {
		if c.exhausted() {
			return nil, false, nil
		}
		c.pending = c.fetch(c.pos)
	}
	var res batchResult[T]
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res = <-c.pending:
	}
	c.pending = nil
	if res.err != nil {
		return nil, false, res.err
	}
	c.pos += len(res.items)
	c.served++
	if !c.exhausted() {
		c.pending = c.fetch(c.pos)
	}
	return res.items, true, nil
}

func (c *Cursor[T]) exhausted() bool {
	return c.pos >= len(c.order) || (c.limit > 0 && c.served >= c.limit)
}

func (c *Cursor[T]) fetch(start int) chan batchResult[T] {
	end := start + c.loader.opts.BatchSize
	if end > len(c.order) {
		end = len(c.order)
	}
	positions := c.order[start:end]
	out := make(chan batchResult[T], 1)

	go func() {
		items := make([]T, len(positions))
		errs := make([]error, len(positions))
		var wg sync.WaitGroup
		for j, idx := range positions {
			j, idx := j, idx
			wg.Add(1)
			task := func() {
				defer wg.Done()
				rng := rand.New(rand.NewSource(itemSeed(c.loader.opts.Seed, c.pass, start+j)))
				items[j], errs[j] = c.loader.ds.Get(idx, rng)
			}
			if c.loader.opts.Pool == nil {
				task()
				continue
			}
			if err := c.loader.opts.Pool.Submit(task); err != nil {
				wg.Done()
				errs[j] = fmt.Errorf("loader: submit: %w", err)
			}
		}
		wg.Wait()
		out <- batchResult[T]{items: items, err: errors.Join(errs...)}
	}()
	return out
}

func itemSeed(seed, pass int64, pos int) int64 {
	return seed*1_000_003 ^ pass<<32 ^ int64(pos)
}

// Cycle walks a Loader forever, replacing an exhausted cursor with a fresh
// pass before the next request.
type Cycle[T any] struct {
	loader   *Loader[T]
	cursor   *Cursor[T]
	restarts int
}

// NewCycle returns a Cycle over loader. The first cursor opens lazily.
func NewCycle[T any](loader *Loader[T]) *Cycle[T] {
	return &Cycle[T]{loader: loader}
}

// NextOrRestart returns the next batch, starting a new pass when the current
// one is exhausted. A pass that yields nothing is ErrEmptyDataset.
func (c *Cycle[T]) NextOrRestart(ctx context.Context) ([]T, error) {
	if c.cursor != nil {
		items, ok, err := c.cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return items, nil
		}
		c.restarts++
	}
	c.cursor = c.loader.Iter()
	items, ok, err := c.cursor.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyDataset
	}
	return items, nil
}

// Restarts reports how many times an exhausted pass was replaced.
func (c *Cycle[T]) Restarts() int { return c.restarts }
