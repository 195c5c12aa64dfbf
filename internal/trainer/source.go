package trainer

import (
	"context"
	"errors"
	"fmt"

	"fashion-trainer/internal/dataset"
	"fashion-trainer/internal/model"
)

// ErrNoCrossDomain is returned when an in-shop batch is requested but no
// in-shop loader was configured.
var ErrNoCrossDomain = errors.New("trainer: cross-domain triplet source not configured")

// Domain identifies which triplet source a batch came from.
type Domain int

const (
	// InCategory triplets come from the attribute-prediction training set.
	InCategory Domain = iota
	// InShop triplets come from the cross-catalog in-shop dataset.
	InShop
)

// TripletBatches hands out triplet batches from one of two domains.
type TripletBatches interface {
	NextTripletBatch(ctx context.Context, crossDomain bool) (model.TripletBatch, error)
	HasCrossDomain() bool
}

// TripletSource multiplexes the in-category and in-shop triplet loaders,
// restarting either one transparently when its pass runs out.
type TripletSource struct {
	inCategory *dataset.Cycle[dataset.Triplet]
	inShop     *dataset.Cycle[dataset.Triplet]
}

// NewTripletSource wraps the loaders. inShop may be nil.
func NewTripletSource(inCategory, inShop *dataset.Loader[dataset.Triplet]) (*TripletSource, error) {
	if inCategory == nil {
		return nil, errors.New("trainer: in-category triplet loader is required")
	}
	s := &TripletSource{inCategory: dataset.NewCycle(inCategory)}
	if inShop != nil {
		s.inShop = dataset.NewCycle(inShop)
	}
	return s, nil
}

// HasCrossDomain reports whether an in-shop source is configured.
func (s *TripletSource) HasCrossDomain() bool { return s.inShop != nil }

// NextTripletBatch pulls the next batch from the selected source.
func (s *TripletSource) NextTripletBatch(ctx context.Context, crossDomain bool) (model.TripletBatch, error) {
	cycle := s.inCategory
	if crossDomain {
		if s.inShop == nil {
			return model.TripletBatch{}, ErrNoCrossDomain
		}
		cycle = s.inShop
	}
	items, err := cycle.NextOrRestart(ctx)
	if err != nil {
		return model.TripletBatch{}, err
	}
	return collateTriplets(items)
}

func collateTriplets(items []dataset.Triplet) (model.TripletBatch, error) {
	anchor := make([][]float64, len(items))
	positive := make([][]float64, len(items))
	negative := make([][]float64, len(items))
	for i, t := range items {
		anchor[i], positive[i], negative[i] = t.Anchor, t.Positive, t.Negative
	}
	tb, err := model.NewTripletBatch(anchor, positive, negative)
	if err != nil {
		return model.TripletBatch{}, fmt.Errorf("collate triplets: %w", err)
	}
	return tb, nil
}

func collateExamples(items []dataset.Example) (model.Batch, error) {
	inputs := make([][]float64, len(items))
	labels := make([]int, len(items))
	for i, ex := range items {
		inputs[i], labels[i] = ex.Features, ex.Label
	}
	b, err := model.NewBatch(inputs, labels)
	if err != nil {
		return model.Batch{}, fmt.Errorf("collate examples: %w", err)
	}
	return b, nil
}
