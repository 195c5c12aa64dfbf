package dataset

import (
	"fmt"
	"math/rand"
	"sort"
)

// Dataset is a fixed-length, randomly addressable collection. Get may be
// called concurrently; rng belongs to the caller for the duration of the call.
type Dataset[T any] interface {
	Len() int
	Get(i int, rng *rand.Rand) (T, error)
}

// Example is one preprocessed classification input.
type Example struct {
	Features []float64
	Label    int
}

// Triplet is one preprocessed (anchor, positive, negative) tuple.
type Triplet struct {
	Anchor   []float64
	Positive []float64
	Negative []float64
}

// ClassificationSet yields (image, label) examples.
type ClassificationSet struct {
	index     *Index
	transform *Transform
}

// NewClassificationSet wraps index with transform.
func NewClassificationSet(index *Index, transform *Transform) *ClassificationSet {
	return &ClassificationSet{index: index, transform: transform}
}

func (s *ClassificationSet) Len() int { return s.index.Len() }

func (s *ClassificationSet) Get(i int, rng *rand.Rand) (Example, error) {
	sample := s.index.Samples[i]
	features, err := s.transform.Apply(sample, rng)
	if err != nil {
		return Example{}, err
	}
	return Example{Features: features, Label: sample.Label}, nil
}

// TripletSet yields one triplet per sample: the sample is the anchor, the
// positive shares its label and the negative does not. Positives and
// negatives are drawn with rng, so every pass sees fresh pairings.
type TripletSet struct {
	index     *Index
	transform *Transform
}

// NewTripletSet wraps index with transform. The index needs at least two
// distinct labels for negatives to exist.
func NewTripletSet(index *Index, transform *Transform) (*TripletSet, error) {
	if len(index.Labels()) < 2 {
		return nil, fmt.Errorf("dataset %s: triplets need at least two labels, found %d",
			index.Name, len(index.Labels()))
	}
	return &TripletSet{index: index, transform: transform}, nil
}

func (s *TripletSet) Len() int { return s.index.Len() }

func (s *TripletSet) Get(i int, rng *rand.Rand) (Triplet, error) {
	anchor := s.index.Samples[i]
	p, n := s.pick(i, anchor.Label, rng)

	var t Triplet
	var err error
	if t.Anchor, err = s.transform.Apply(anchor, rng); err != nil {
		return Triplet{}, err
	}
	if t.Positive, err = s.transform.Apply(s.index.Samples[p], rng); err != nil {
		return Triplet{}, err
	}
	if t.Negative, err = s.transform.Apply(s.index.Samples[n], rng); err != nil {
		return Triplet{}, err
	}
	return t, nil
}

// pick returns the positions of a positive and a negative for anchor i. A
// label with a single sample uses the anchor as its own positive.
func (s *TripletSet) pick(i, label int, rng *rand.Rand) (int, int) {
	same := s.index.WithLabel(label)
	positive := i
	if len(same) > 1 {
		for positive == i {
			positive = same[rng.Intn(len(same))]
		}
	}

	labels := s.index.Labels()
	own := sort.SearchInts(labels, label)
	r := rng.Intn(len(labels) - 1)
	if r >= own {
		r++
	}
	pool := s.index.WithLabel(labels[r])
	return positive, pool[rng.Intn(len(pool))]
}
