package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// ErrEmptyDataset is a configuration error: a dataset, or one pass of a
// loader over it, produced nothing.
var ErrEmptyDataset = errors.New("dataset: empty dataset")

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns paths to shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// Index is an in-memory, label-indexed view over every sample of one root.
type Index struct {
	Name    string
	Samples []Sample

	byLabel map[int][]int
	labels  []int
}

// NewIndex builds an Index over samples. Sample keys are prefixed with name
// so that indexes over different roots never share cache entries.
func NewIndex(name string, samples []Sample) (*Index, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, name)
	}
	idx := &Index{
		Name:    name,
		Samples: make([]Sample, len(samples)),
		byLabel: make(map[int][]int),
	}
	for i, s := range samples {
		if s.Label < 0 {
			return nil, fmt.Errorf("dataset %s: sample %s has negative label %d", name, s.Key, s.Label)
		}
		s.Key = name + "/" + s.Key
		idx.Samples[i] = s
		if _, ok := idx.byLabel[s.Label]; !ok {
			idx.labels = append(idx.labels, s.Label)
		}
		idx.byLabel[s.Label] = append(idx.byLabel[s.Label], i)
	}
	sort.Ints(idx.labels)
	return idx, nil
}

// LoadIndex discovers the shards under root and reads them on pool. Sample
// order follows shard order regardless of which worker finished first.
func LoadIndex(ctx context.Context, name, root string, pool *ants.Pool) (*Index, error) {
	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards discovered under %s", ErrEmptyDataset, root)
	}

	results := make([][]Sample, len(shards))
	errs := make([]error, len(shards))
	var wg sync.WaitGroup
	for i, shard := range shards {
		i, shard := i, shard
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i], errs[i] = ReadShard(ctx, shard)
		}
		if pool == nil {
			task()
			continue
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit %s: %w", shard, err)
		}
	}
	wg.Wait()

	var samples []Sample
	for i := range shards {
		if errs[i] != nil {
			return nil, errs[i]
		}
		samples = append(samples, results[i]...)
	}
	return NewIndex(name, samples)
}

// Len returns the number of samples.
func (x *Index) Len() int { return len(x.Samples) }

// Labels returns the distinct labels in ascending order.
func (x *Index) Labels() []int { return x.labels }

// WithLabel returns the positions of the samples carrying label.
func (x *Index) WithLabel(label int) []int { return x.byLabel[label] }
