package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Options sizes a TwoHeadNet.
type Options struct {
	InputDim     int
	HiddenDim    int
	NumClasses   int
	EmbeddingDim int
	Dropout      float64
	// Freeze marks the backbone parameters as non-trainable.
	Freeze bool
	Seed   int64
}

// TwoHeadNet is a one-hidden-layer ReLU backbone shared by a linear
// classifier head and a linear embedding head.
type TwoHeadNet struct {
	opts     Options
	training bool
	rng      *rand.Rand

	w1, b1 *Parameter // backbone
	wc, bc *Parameter // classifier
	we, be *Parameter // embedding
}

// NewTwoHeadNet constructs the network with seeded uniform initialization.
func NewTwoHeadNet(opts Options) (*TwoHeadNet, error) {
	if opts.InputDim <= 0 || opts.HiddenDim <= 0 || opts.NumClasses <= 0 || opts.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("model: invalid dimensions %+v", opts)
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 {
		return nil, fmt.Errorf("model: dropout %g out of range", opts.Dropout)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	n := &TwoHeadNet{
		opts:     opts,
		training: true,
		rng:      rng,
		w1:       newParameter("backbone.weight", opts.HiddenDim, opts.InputDim, !opts.Freeze),
		b1:       newParameter("backbone.bias", 1, opts.HiddenDim, !opts.Freeze),
		wc:       newParameter("classifier.weight", opts.NumClasses, opts.HiddenDim, true),
		bc:       newParameter("classifier.bias", 1, opts.NumClasses, true),
		we:       newParameter("embedding.weight", opts.EmbeddingDim, opts.HiddenDim, true),
		be:       newParameter("embedding.bias", 1, opts.EmbeddingDim, true),
	}
	initUniform(n.w1, opts.InputDim, rng)
	initUniform(n.b1, opts.InputDim, rng)
	initUniform(n.wc, opts.HiddenDim, rng)
	initUniform(n.bc, opts.HiddenDim, rng)
	initUniform(n.we, opts.HiddenDim, rng)
	initUniform(n.be, opts.HiddenDim, rng)
	return n, nil
}

func initUniform(p *Parameter, fanIn int, rng *rand.Rand) {
	bound := 1 / math.Sqrt(float64(fanIn))
	raw := p.Value.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * bound
	}
}

func (n *TwoHeadNet) Train() { n.training = true }

func (n *TwoHeadNet) Eval() { n.training = false }

func (n *TwoHeadNet) Parameters() []*Parameter {
	return []*Parameter{n.w1, n.b1, n.wc, n.bc, n.we, n.be}
}

func (n *TwoHeadNet) Forward(x *mat.Dense) (Pass, error) {
	rows, cols := x.Dims()
	if cols != n.opts.InputDim {
		return nil, fmt.Errorf("model: input width %d, want %d", cols, n.opts.InputDim)
	}

	pre := affine(x, n.w1, n.b1)
	act := mat.NewDense(rows, n.opts.HiddenDim, nil)
	act.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, pre)

	var mask *mat.Dense
	if n.training && n.opts.Dropout > 0 {
		keep := 1 - n.opts.Dropout
		mask = mat.NewDense(rows, n.opts.HiddenDim, nil)
		raw := mask.RawMatrix().Data
		for i := range raw {
			if n.rng.Float64() < keep {
				raw[i] = 1 / keep
			}
		}
		act.MulElem(act, mask)
	}

	return &twoHeadPass{
		net:        n,
		tracking:   n.training,
		input:      x,
		pre:        pre,
		mask:       mask,
		act:        act,
		logits:     affine(act, n.wc, n.bc),
		embeddings: affine(act, n.we, n.be),
	}, nil
}

// affine returns x·Wᵀ + b with b broadcast over rows.
func affine(x *mat.Dense, w, b *Parameter) *mat.Dense {
	var out mat.Dense
	out.Mul(x, w.Value.T())
	bias := b.Value.RawRowView(0)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(out.RawRowView(i), bias)
	}
	return &out
}

type twoHeadPass struct {
	net      *TwoHeadNet
	tracking bool

	input, pre, mask, act *mat.Dense
	logits, embeddings    *mat.Dense
}

func (p *twoHeadPass) Logits() *mat.Dense { return p.logits }

func (p *twoHeadPass) Embeddings() *mat.Dense { return p.embeddings }

func (p *twoHeadPass) Backward(dLogits, dEmbeddings *mat.Dense) error {
	if !p.tracking {
		return ErrNoGrad
	}
	rows, _ := p.act.Dims()
	dAct := mat.NewDense(rows, p.net.opts.HiddenDim, nil)
	if dLogits != nil {
		if err := headBackward(dLogits, p.act, p.net.wc, p.net.bc, dAct); err != nil {
			return fmt.Errorf("classifier head: %w", err)
		}
	}
	if dEmbeddings != nil {
		if err := headBackward(dEmbeddings, p.act, p.net.we, p.net.be, dAct); err != nil {
			return fmt.Errorf("embedding head: %w", err)
		}
	}
	if !p.net.w1.Trainable {
		return nil
	}
	if p.mask != nil {
		dAct.MulElem(dAct, p.mask)
	}
	dAct.Apply(func(i, j int, v float64) float64 {
		if p.pre.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dAct)
	accumulate(dAct, p.input, p.net.w1, p.net.b1)
	return nil
}

// headBackward accumulates the gradients of a linear head and adds the
// gradient w.r.t. its input into dIn.
func headBackward(dOut, in *mat.Dense, w, b *Parameter, dIn *mat.Dense) error {
	r, c := dOut.Dims()
	wr, _ := w.Value.Dims()
	inRows, _ := in.Dims()
	if r != inRows || c != wr {
		return fmt.Errorf("gradient shape %dx%d, want %dx%d", r, c, inRows, wr)
	}
	if w.Trainable {
		accumulate(dOut, in, w, b)
	}
	var d mat.Dense
	d.Mul(dOut, w.Value)
	dIn.Add(dIn, &d)
	return nil
}

func accumulate(dOut, in *mat.Dense, w, b *Parameter) {
	var g mat.Dense
	g.Mul(dOut.T(), in)
	w.Grad.Add(w.Grad, &g)
	bias := b.Grad.RawRowView(0)
	rows, _ := dOut.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(bias, dOut.RawRowView(i))
	}
}
