package trainer

import (
	"context"
	"errors"
	"fmt"

	"fashion-trainer/internal/dataset"
	"fashion-trainer/internal/loss"
	"fashion-trainer/internal/model"
)

// Evaluator measures loss and top-1 accuracy over a fixed number of
// validation batches.
type Evaluator struct {
	Model  model.Model
	Loader *dataset.Loader[dataset.Example]
	// BatchCount bounds the batches read per evaluation.
	BatchCount int
	// BatchSize is the nominal size used for the denominator.
	BatchSize int
}

// EvalResult is the outcome of one evaluation.
type EvalResult struct {
	AvgLoss     float64
	Accuracy    float64
	Correct     int
	Denominator int
	Batches     int
}

// Evaluate reads at most BatchCount batches from a fresh pass. The
// denominator is always BatchCount*BatchSize, also when the loader runs out
// early.
func (e *Evaluator) Evaluate(ctx context.Context) (EvalResult, error) {
	if e.BatchCount <= 0 || e.BatchSize <= 0 {
		return EvalResult{}, errors.New("trainer: evaluator needs positive batch count and size")
	}
	e.Model.Eval()

	res := EvalResult{Denominator: e.BatchCount * e.BatchSize}
	total := 0.0
	cursor := e.Loader.IterBatches(e.BatchCount)
	for res.Batches < e.BatchCount {
		items, ok, err := cursor.Next(ctx)
		if err != nil {
			return EvalResult{}, fmt.Errorf("validation batch: %w", err)
		}
		if !ok {
			break
		}
		batch, err := collateExamples(items)
		if err != nil {
			return EvalResult{}, err
		}
		pass, err := e.Model.Forward(batch.Inputs)
		if err != nil {
			return EvalResult{}, fmt.Errorf("validation forward: %w", err)
		}
		l, _, err := loss.CrossEntropy(pass.Logits(), batch.Labels, loss.Sum)
		if err != nil {
			return EvalResult{}, err
		}
		total += l
		res.Correct += loss.Correct(pass.Logits(), batch.Labels)
		res.Batches++
	}

	res.AvgLoss = total / float64(res.Denominator)
	res.Accuracy = float64(res.Correct) / float64(res.Denominator)
	return res, nil
}
