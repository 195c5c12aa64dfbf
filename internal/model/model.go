package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNoGrad is returned by Pass.Backward when the pass ran in eval mode.
var ErrNoGrad = errors.New("model: backward on a pass without gradient tracking")

// Batch represents a minibatch of classification inputs and labels.
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of rows in the batch.
func (b Batch) Size() int {
	if b.Inputs == nil {
		return 0
	}
	r, _ := b.Inputs.Dims()
	return r
}

// NewBatch packs row vectors into a Batch.
func NewBatch(inputs [][]float64, labels []int) (Batch, error) {
	if len(inputs) != len(labels) {
		return Batch{}, fmt.Errorf("model: %d inputs but %d labels", len(inputs), len(labels))
	}
	m, err := stackRows(inputs)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Inputs: m, Labels: labels}, nil
}

// TripletBatch holds B anchors, B positives and B negatives.
type TripletBatch struct {
	Anchor   *mat.Dense
	Positive *mat.Dense
	Negative *mat.Dense
}

// NewTripletBatch packs three groups of row vectors into a TripletBatch.
func NewTripletBatch(anchor, positive, negative [][]float64) (TripletBatch, error) {
	if len(anchor) != len(positive) || len(anchor) != len(negative) {
		return TripletBatch{}, fmt.Errorf("model: uneven triplet groups %d/%d/%d",
			len(anchor), len(positive), len(negative))
	}
	var tb TripletBatch
	var err error
	if tb.Anchor, err = stackRows(anchor); err != nil {
		return TripletBatch{}, err
	}
	if tb.Positive, err = stackRows(positive); err != nil {
		return TripletBatch{}, err
	}
	if tb.Negative, err = stackRows(negative); err != nil {
		return TripletBatch{}, err
	}
	return tb, nil
}

// Size returns the per-group batch size B.
func (t TripletBatch) Size() int {
	if t.Anchor == nil {
		return 0
	}
	r, _ := t.Anchor.Dims()
	return r
}

// Concat stacks anchor, positive and negative into one 3B-row matrix, in
// that order.
func (t TripletBatch) Concat() *mat.Dense {
	var ap, all mat.Dense
	ap.Stack(t.Anchor, t.Positive)
	all.Stack(&ap, t.Negative)
	return &all
}

// SplitTriplet splits a 3B-row matrix into anchor rows [0:B], positive rows
// [B:2B] and negative rows [2B:3B]. The returned matrices share storage with m.
func SplitTriplet(m *mat.Dense) (anchor, positive, negative *mat.Dense, err error) {
	r, c := m.Dims()
	if r == 0 || r%3 != 0 {
		return nil, nil, nil, fmt.Errorf("model: cannot split %d rows into three equal groups", r)
	}
	b := r / 3
	anchor = m.Slice(0, b, 0, c).(*mat.Dense)
	positive = m.Slice(b, 2*b, 0, c).(*mat.Dense)
	negative = m.Slice(2*b, r, 0, c).(*mat.Dense)
	return anchor, positive, negative, nil
}

// Parameter is a named weight matrix with its accumulated gradient.
type Parameter struct {
	Name      string
	Value     *mat.Dense
	Grad      *mat.Dense
	Trainable bool
}

func newParameter(name string, rows, cols int, trainable bool) *Parameter {
	return &Parameter{
		Name:      name,
		Value:     mat.NewDense(rows, cols, nil),
		Grad:      mat.NewDense(rows, cols, nil),
		Trainable: trainable,
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Pass is the result of one forward call. Backward accumulates parameter
// gradients given the loss gradients w.r.t. each head; either may be nil.
type Pass interface {
	Logits() *mat.Dense
	Embeddings() *mat.Dense
	Backward(dLogits, dEmbeddings *mat.Dense) error
}

// Model is a network with a shared backbone feeding a classifier head and an
// embedding head.
type Model interface {
	Forward(x *mat.Dense) (Pass, error)
	// Train enables gradient tracking and training-time layers.
	Train()
	// Eval disables gradient tracking and training-time layers.
	Eval()
	Parameters() []*Parameter
}

// Trainable filters m's parameters down to those the optimizer may update.
func Trainable(m Model) []*Parameter {
	var out []*Parameter
	for _, p := range m.Parameters() {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

func stackRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, errors.New("model: empty batch")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, errors.New("model: zero-width input")
	}
	flat := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("model: row %d has %d values, want %d", i, len(row), width)
		}
		flat = append(flat, row...)
	}
	return mat.NewDense(len(rows), width, flat), nil
}
