package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fashion-trainer/internal/dataset"
	"fashion-trainer/internal/metrics"
	"fashion-trainer/internal/model"
)

// Checkpointer persists model state and returns where it went.
type Checkpointer interface {
	Save(m model.Model, epoch, step int) (string, error)
}

// Schedule holds the fixed intervals of the epoch driver.
type Schedule struct {
	Epochs       int
	TestInterval int
	LogInterval  int
	DumpInterval int
}

// Validate rejects non-positive intervals.
func (s Schedule) Validate() error {
	if s.Epochs <= 0 || s.TestInterval <= 0 || s.LogInterval <= 0 || s.DumpInterval <= 0 {
		return fmt.Errorf("trainer: schedule needs positive values (got %+v)", s)
	}
	return nil
}

// Driver sequences training steps, evaluations and checkpoints over epochs.
type Driver struct {
	Session     *Session
	Train       *dataset.Loader[dataset.Example]
	Evaluator   *Evaluator
	Checkpoints Checkpointer
	Schedule    Schedule
	Logger      *log.Logger
}

// Run executes every epoch in order.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Schedule.Validate(); err != nil {
		return err
	}
	if d.Session == nil || d.Train == nil || d.Evaluator == nil || d.Checkpoints == nil {
		return errors.New("trainer: driver is missing a collaborator")
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	for epoch := 1; epoch <= d.Schedule.Epochs; epoch++ {
		if err := d.runEpoch(ctx, epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}
	return nil
}

func (d *Driver) runEpoch(ctx context.Context, epoch int) error {
	var window metrics.Window
	cursor := d.Train.Iter()
	for batchIdx := 0; ; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		startData := time.Now()
		items, ok, err := cursor.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		batch, err := collateExamples(items)
		if err != nil {
			return err
		}
		dataTime := time.Since(startData)

		if batchIdx%d.Schedule.TestInterval == 0 {
			if err := d.test(ctx); err != nil {
				return err
			}
		}

		startCompute := time.Now()
		res, err := d.Session.Step(ctx, batch)
		if err != nil {
			return fmt.Errorf("step %d: %w", batchIdx, err)
		}
		computeTime := time.Since(startCompute)

		window.Record(metrics.Step{
			BatchSize:      batch.Size(),
			DataTime:       dataTime,
			ComputeTime:    computeTime,
			Total:          res.Total,
			Classification: res.Classification,
			Triplet:        res.Triplet,
			HasTriplet:     res.HasTriplet,
		})

		if batchIdx%d.Schedule.LogInterval == 0 {
			d.logStep(epoch, batchIdx, batch.Size(), res, window.Snapshot())
		}
		if batchIdx > 0 && batchIdx%d.Schedule.DumpInterval == 0 {
			if err := d.dump(epoch, batchIdx); err != nil {
				return err
			}
		}
	}
	return d.dump(epoch, 0)
}

// logStep prints the losses averaged over the steps since the previous log
// line. res selects the line shape and the triplet domain.
func (d *Driver) logStep(epoch, batchIdx, batchSize int, res StepResult, snap metrics.Snapshot) {
	progress := fmt.Sprintf("Train Epoch: %d [%d/%d (%.0f%%)]",
		epoch, batchIdx*batchSize, d.Train.DatasetLen(),
		100*float64(batchIdx)/float64(d.Train.Len()))
	throughput := fmt.Sprintf("images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
		snap.ImagesPerSec, snap.AvgDataMS, snap.AvgComputeMS)
	if res.HasTriplet {
		d.Logger.Printf("%s\tAll Loss: %.4f\tTriple Loss(%d): %.4f\tClassification Loss: %.4f\t%s",
			progress, snap.AvgTotal, res.Domain, snap.AvgTriplet, snap.AvgClassification, throughput)
		return
	}
	d.Logger.Printf("%s\tClassification Loss: %.4f\t%s", progress, snap.AvgClassification, throughput)
}

func (d *Driver) test(ctx context.Context) error {
	res, err := d.Evaluator.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	d.Logger.Printf("Test set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)",
		res.AvgLoss, res.Correct, res.Denominator, 100*res.Accuracy)
	return nil
}

func (d *Driver) dump(epoch, step int) error {
	path, err := d.Checkpoints.Save(d.Session.Model, epoch, step)
	if err != nil {
		return err
	}
	d.Logger.Printf("Model saved to %s", path)
	return nil
}
