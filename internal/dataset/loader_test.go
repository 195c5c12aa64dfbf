package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/panjf2000/ants/v2"
)

type intDataset struct {
	n    int
	fail int
}

func (d intDataset) Len() int { return d.n }

func (d intDataset) Get(i int, _ *rand.Rand) (int, error) {
	if d.fail > 0 && i == d.fail {
		return 0, errors.New("boom")
	}
	return i, nil
}

type countingDataset struct {
	n    int
	gets atomic.Int64
}

func (d *countingDataset) Len() int { return d.n }

func (d *countingDataset) Get(i int, _ *rand.Rand) (int, error) {
	d.gets.Add(1)
	return i, nil
}

func drain(t *testing.T, c *Cursor[int]) [][]int {
	t.Helper()
	var out [][]int
	for {
		batch, ok, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, batch)
	}
}

func TestLoaderBatchesInOrder(t *testing.T) {
	l, err := NewLoader[int](intDataset{n: 5}, LoaderOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if l.Len() != 3 {
		t.Fatalf("Len=%d want 3", l.Len())
	}
	batches := drain(t, l.Iter())
	if len(batches) != 3 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batches %v", batches)
	}
	if batches[0][0] != 0 || batches[1][1] != 3 || batches[2][0] != 4 {
		t.Fatalf("unexpected order %v", batches)
	}
}

func TestLoaderShufflesEachPass(t *testing.T) {
	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Release()

	l, err := NewLoader[int](intDataset{n: 50}, LoaderOptions{BatchSize: 8, Shuffle: true, Seed: 9, Pool: pool})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	flatten := func(bs [][]int) []int {
		var out []int
		for _, b := range bs {
			out = append(out, b...)
		}
		return out
	}
	first := flatten(drain(t, l.Iter()))
	second := flatten(drain(t, l.Iter()))
	if len(first) != 50 || len(second) != 50 {
		t.Fatalf("pass lengths %d, %d", len(first), len(second))
	}
	same := true
	for i := range first {
		if first[i] != second[i] {
			same = false
		}
	}
	if same {
		t.Fatal("second pass reused the first pass order")
	}
	sort.Ints(first)
	for i, v := range first {
		if v != i {
			t.Fatalf("pass skipped or duplicated items: %v", first)
		}
	}
}

func TestLoaderRejectsEmpty(t *testing.T) {
	if _, err := NewLoader[int](intDataset{}, LoaderOptions{BatchSize: 1}); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestCursorPropagatesItemError(t *testing.T) {
	l, err := NewLoader[int](intDataset{n: 4, fail: 3}, LoaderOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	c := l.Iter()
	if _, _, err := c.Next(context.Background()); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if _, _, err := c.Next(context.Background()); err == nil {
		t.Fatal("expected item error")
	}
}

type blockingDataset struct{ release chan struct{} }

func (d blockingDataset) Len() int { return 1 }

func (d blockingDataset) Get(i int, _ *rand.Rand) (int, error) {
	<-d.release
	return i, nil
}

func TestCursorHonoursContext(t *testing.T) {
	ds := blockingDataset{release: make(chan struct{})}
	defer close(ds.release)
	l, err := NewLoader[int](ds, LoaderOptions{BatchSize: 1})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := l.Iter().Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCycleRestartsTransparently(t *testing.T) {
	l, err := NewLoader[int](intDataset{n: 2}, LoaderOptions{BatchSize: 1, Shuffle: true, Seed: 3})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	c := NewCycle(l)
	seen := map[int]int{}
	for i := 0; i < 5; i++ {
		batch, err := c.NextOrRestart(context.Background())
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if len(batch) != 1 {
			t.Fatalf("request %d: batch of %d", i+1, len(batch))
		}
		seen[batch[0]]++
	}
	if c.Restarts() != 2 {
		t.Fatalf("restarts=%d want 2", c.Restarts())
	}
	if seen[0] < 2 || seen[1] < 2 {
		t.Fatalf("a restart skipped items: %v", seen)
	}
}

func TestIterBatchesStopsWithoutPrefetch(t *testing.T) {
	ds := &countingDataset{n: 10}
	l, err := NewLoader[int](ds, LoaderOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	batches := drain(t, l.IterBatches(2))
	if len(batches) != 2 || batches[1][0] != 2 {
		t.Fatalf("unexpected batches %v", batches)
	}
	if got := ds.gets.Load(); got != 4 {
		t.Fatalf("loaded %d items, want 4", got)
	}

	if got := len(drain(t, l.IterBatches(0))); got != 5 {
		t.Fatalf("unbounded pass read %d batches, want 5", got)
	}
}
