// Package loss implements the classification and metric-learning criteria
// along with their gradients w.r.t. the network outputs.
package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Reduction selects how per-sample losses are combined.
type Reduction int

const (
	// Mean averages over the batch.
	Mean Reduction = iota
	// Sum adds per-sample losses.
	Sum
)

// CrossEntropy computes softmax cross-entropy of logits (B×C) against
// integer labels and returns the reduced loss and its gradient w.r.t. logits.
func CrossEntropy(logits *mat.Dense, labels []int, red Reduction) (float64, *mat.Dense, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("loss: %d logit rows but %d labels", rows, len(labels))
	}
	grad := mat.NewDense(rows, classes, nil)
	scale := 1.0
	if red == Mean {
		scale = 1 / float64(rows)
	}
	total := 0.0
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, fmt.Errorf("loss: label %d out of range [0, %d)", label, classes)
		}
		probs := grad.RawRowView(i)
		logSum := softmaxInto(probs, logits.RawRowView(i))
		total += logSum - logits.At(i, label)
		probs[label] -= 1
		floats.Scale(scale, probs)
	}
	return total * scale, grad, nil
}

// softmaxInto writes softmax(logits) into dst and returns log(sum(exp(logits))).
func softmaxInto(dst, logits []float64) float64 {
	maxLogit := floats.Max(logits)
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		dst[i] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
	return maxLogit + math.Log(sum)
}

// Correct counts rows whose argmax equals the label.
func Correct(logits *mat.Dense, labels []int) int {
	n := 0
	for i, label := range labels {
		if floats.MaxIdx(logits.RawRowView(i)) == label {
			n++
		}
	}
	return n
}
