package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"fashion-trainer/internal/model"
)

// ErrNonFinite is returned when a step produces a NaN or infinite loss.
var ErrNonFinite = errors.New("trainer: non-finite loss")

// Optimizer updates the trainable parameters it was built with.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// Session owns the model and optimizer state for the lifetime of a run.
type Session struct {
	RunID     string
	Model     model.Model
	Optimizer Optimizer
	Combiner  *Combiner
}

// StepResult carries the scalar losses of one step for logging.
type StepResult struct {
	Total          float64
	Classification float64
	Triplet        float64
	HasTriplet     bool
	Domain         Domain
}

// Step runs one forward/backward/update cycle on batch.
func (s *Session) Step(ctx context.Context, batch model.Batch) (StepResult, error) {
	s.Model.Train()
	s.Optimizer.ZeroGrad()

	pass, err := s.Model.Forward(batch.Inputs)
	if err != nil {
		return StepResult{}, fmt.Errorf("forward: %w", err)
	}
	losses, err := s.Combiner.Combine(ctx, s.Model, pass.Logits(), batch.Labels)
	if err != nil {
		return StepResult{}, err
	}
	if math.IsNaN(losses.Total) || math.IsInf(losses.Total, 0) {
		return StepResult{}, fmt.Errorf("%w: total=%v classification=%v triplet=%v",
			ErrNonFinite, losses.Total, losses.Classification, losses.Triplet)
	}
	if err := losses.backward(pass); err != nil {
		return StepResult{}, err
	}
	s.Optimizer.Step()

	return StepResult{
		Total:          losses.Total,
		Classification: losses.Classification,
		Triplet:        losses.Triplet,
		HasTriplet:     losses.HasTriplet,
		Domain:         losses.Domain,
	}, nil
}
