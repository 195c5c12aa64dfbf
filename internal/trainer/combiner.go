package trainer

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"fashion-trainer/internal/loss"
	"fashion-trainer/internal/model"
)

// RandSource is the coin used to pick a triplet domain. *rand.Rand satisfies it.
type RandSource interface {
	Float64() float64
}

// Combiner adds a weighted triplet loss to the classification loss.
type Combiner struct {
	// Weight scales the triplet term; zero disables it.
	Weight float64
	// InShopPercent is the probability of drawing an in-shop batch when the
	// source has one.
	InShopPercent float64
	Criterion     loss.Triplet
	Source        TripletBatches
	Rand          RandSource
}

// Losses is the outcome of Combine together with what the backward pass needs.
type Losses struct {
	Total          float64
	Classification float64
	Triplet        float64
	HasTriplet     bool
	Domain         Domain

	dLogits     *mat.Dense
	tripletPass model.Pass
	dEmbeddings *mat.Dense
}

// Validate reports configuration errors before training starts.
func (c *Combiner) Validate() error {
	if c.Weight < 0 {
		return fmt.Errorf("trainer: negative triplet weight %g", c.Weight)
	}
	if c.Weight == 0 {
		return nil
	}
	if c.Criterion == nil || c.Source == nil || c.Rand == nil {
		return errors.New("trainer: triplet weight set without criterion, source and rand")
	}
	return nil
}

// Combine computes the classification loss of logits against labels and,
// when enabled, draws a triplet batch, forwards it through fwd and adds the
// weighted triplet loss.
func (c *Combiner) Combine(ctx context.Context, fwd model.Model, logits *mat.Dense, labels []int) (Losses, error) {
	cls, dLogits, err := loss.CrossEntropy(logits, labels, loss.Mean)
	if err != nil {
		return Losses{}, err
	}
	out := Losses{Total: cls, Classification: cls, dLogits: dLogits}
	if c.Weight == 0 {
		return out, nil
	}

	out.Domain = InCategory
	if c.Source.HasCrossDomain() && c.Rand.Float64() < c.InShopPercent {
		out.Domain = InShop
	}
	batch, err := c.Source.NextTripletBatch(ctx, out.Domain == InShop)
	if err != nil {
		return Losses{}, fmt.Errorf("triplet batch: %w", err)
	}

	pass, err := fwd.Forward(batch.Concat())
	if err != nil {
		return Losses{}, fmt.Errorf("triplet forward: %w", err)
	}
	anchor, positive, negative, err := model.SplitTriplet(pass.Embeddings())
	if err != nil {
		return Losses{}, err
	}
	tl, grad, err := c.Criterion.Forward(anchor, positive, negative)
	if err != nil {
		return Losses{}, err
	}
	dEmb := grad.Stack()
	dEmb.Scale(c.Weight, dEmb)

	out.Triplet = tl
	out.HasTriplet = true
	out.Total = cls + c.Weight*tl
	out.tripletPass = pass
	out.dEmbeddings = dEmb
	return out, nil
}

// backward pushes the loss gradients through the classification pass and,
// if present, the triplet pass.
func (l Losses) backward(clsPass model.Pass) error {
	if err := clsPass.Backward(l.dLogits, nil); err != nil {
		return fmt.Errorf("classification backward: %w", err)
	}
	if l.HasTriplet {
		if err := l.tripletPass.Backward(nil, l.dEmbeddings); err != nil {
			return fmt.Errorf("triplet backward: %w", err)
		}
	}
	return nil
}
