package trainer

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"fashion-trainer/internal/dataset"
	"fashion-trainer/internal/model"
)

// oracleModel predicts the label encoded in the first input column, or the
// next class when wrong is set. Its embeddings are its inputs.
type oracleModel struct {
	classes   int
	wrong     bool
	training  bool
	forwards  int
	backwards int
}

func (m *oracleModel) Train() { m.training = true }
func (m *oracleModel) Eval()  { m.training = false }

func (m *oracleModel) Parameters() []*model.Parameter { return nil }

func (m *oracleModel) Forward(x *mat.Dense) (model.Pass, error) {
	m.forwards++
	rows, _ := x.Dims()
	logits := mat.NewDense(rows, m.classes, nil)
	for i := 0; i < rows; i++ {
		label := int(x.At(i, 0)) % m.classes
		if m.wrong {
			label = (label + 1) % m.classes
		}
		logits.Set(i, label, 10)
	}
	return &oraclePass{m: m, logits: logits, emb: mat.DenseCopyOf(x)}, nil
}

type oraclePass struct {
	m      *oracleModel
	logits *mat.Dense
	emb    *mat.Dense
}

func (p *oraclePass) Logits() *mat.Dense     { return p.logits }
func (p *oraclePass) Embeddings() *mat.Dense { return p.emb }

func (p *oraclePass) Backward(_, _ *mat.Dense) error {
	if !p.m.training {
		return model.ErrNoGrad
	}
	p.m.backwards++
	return nil
}

// memSet is an in-memory dataset.
type memSet[T any] []T

func (s memSet[T]) Len() int { return len(s) }

func (s memSet[T]) Get(i int, _ *rand.Rand) (T, error) { return s[i], nil }

// labelledExamples returns n examples whose first feature is their label.
func labelledExamples(n, classes int) memSet[dataset.Example] {
	out := make(memSet[dataset.Example], n)
	for i := range out {
		label := i % classes
		out[i] = dataset.Example{Features: []float64{float64(label), 1}, Label: label}
	}
	return out
}

func tripletItems(n int, base float64) memSet[dataset.Triplet] {
	out := make(memSet[dataset.Triplet], n)
	for i := range out {
		v := base + float64(i)
		out[i] = dataset.Triplet{Anchor: []float64{v, 0}, Positive: []float64{v, 1}, Negative: []float64{v, 5}}
	}
	return out
}

// countingSource records how often each domain was requested.
type countingSource struct {
	cross    bool
	inCat    int
	inShop   int
	batchFor func(cross bool) model.TripletBatch
}

func (s *countingSource) HasCrossDomain() bool { return s.cross }

func (s *countingSource) NextTripletBatch(_ context.Context, crossDomain bool) (model.TripletBatch, error) {
	if crossDomain {
		s.inShop++
	} else {
		s.inCat++
	}
	if s.batchFor != nil {
		return s.batchFor(crossDomain), nil
	}
	tb, err := model.NewTripletBatch([][]float64{{0, 0}}, [][]float64{{0, 1}}, [][]float64{{0, 3}})
	return tb, err
}

// fixedRand always returns v.
type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }
