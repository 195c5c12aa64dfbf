package loss

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Triplet is a margin loss over (anchor, positive, negative) embeddings.
// Forward returns the batch-mean loss and its gradients w.r.t. each group.
type Triplet interface {
	Forward(anchor, positive, negative *mat.Dense) (float64, TripletGrad, error)
}

// TripletGrad holds gradients w.r.t. anchor, positive and negative rows.
type TripletGrad struct {
	Anchor, Positive, Negative *mat.Dense
}

// Stack returns the gradients as one 3B-row matrix, anchor first.
func (g TripletGrad) Stack() *mat.Dense {
	var ap, all mat.Dense
	ap.Stack(g.Anchor, g.Positive)
	all.Stack(&ap, g.Negative)
	return &all
}

// NewTriplet returns the "euclidean" or "cosine" variant.
func NewTriplet(variant string, margin float64) (Triplet, error) {
	switch variant {
	case "euclidean":
		return EuclideanMargin{Margin: margin, Eps: 1e-6}, nil
	case "cosine":
		return CosineMargin{Margin: margin}, nil
	default:
		return nil, fmt.Errorf("loss: unknown triplet variant %q", variant)
	}
}

// EuclideanMargin is mean(max(0, margin + ‖a−p+eps‖ − ‖a−n+eps‖)).
type EuclideanMargin struct {
	Margin float64
	Eps    float64
}

func (l EuclideanMargin) Forward(anchor, positive, negative *mat.Dense) (float64, TripletGrad, error) {
	b, dim, err := checkShapes(anchor, positive, negative)
	if err != nil {
		return 0, TripletGrad{}, err
	}
	grad := newTripletGrad(b, dim)
	inv := 1 / float64(b)
	total := 0.0
	diffP := make([]float64, dim)
	diffN := make([]float64, dim)
	for i := 0; i < b; i++ {
		a := anchor.RawRowView(i)
		dP := l.offsetDiff(diffP, a, positive.RawRowView(i))
		dN := l.offsetDiff(diffN, a, negative.RawRowView(i))
		hinge := l.Margin + dP - dN
		if hinge <= 0 {
			continue
		}
		total += hinge
		if dP > 0 {
			floats.AddScaled(grad.Anchor.RawRowView(i), inv/dP, diffP)
			floats.AddScaled(grad.Positive.RawRowView(i), -inv/dP, diffP)
		}
		if dN > 0 {
			floats.AddScaled(grad.Anchor.RawRowView(i), -inv/dN, diffN)
			floats.AddScaled(grad.Negative.RawRowView(i), inv/dN, diffN)
		}
	}
	return total * inv, grad, nil
}

// offsetDiff stores x−y+eps in dst and returns its L2 norm.
func (l EuclideanMargin) offsetDiff(dst, x, y []float64) float64 {
	floats.SubTo(dst, x, y)
	floats.AddConst(l.Eps, dst)
	return floats.Norm(dst, 2)
}

// CosineMargin is mean(max(0, margin + (1−cos(a,p)) − (1−cos(a,n)))).
type CosineMargin struct {
	Margin float64
}

const cosineEps = 1e-8

func (l CosineMargin) Forward(anchor, positive, negative *mat.Dense) (float64, TripletGrad, error) {
	b, dim, err := checkShapes(anchor, positive, negative)
	if err != nil {
		return 0, TripletGrad{}, err
	}
	grad := newTripletGrad(b, dim)
	inv := 1 / float64(b)
	total := 0.0
	for i := 0; i < b; i++ {
		a, p, n := anchor.RawRowView(i), positive.RawRowView(i), negative.RawRowView(i)
		cosP := cosine(a, p)
		cosN := cosine(a, n)
		hinge := l.Margin + (1 - cosP) - (1 - cosN)
		if hinge <= 0 {
			continue
		}
		total += hinge
		// d(hinge) = -d(cosP) + d(cosN)
		cosineGrad(grad.Anchor.RawRowView(i), grad.Positive.RawRowView(i), a, p, cosP, -inv)
		cosineGrad(grad.Anchor.RawRowView(i), grad.Negative.RawRowView(i), a, n, cosN, inv)
	}
	return total * inv, grad, nil
}

func cosine(x, y []float64) float64 {
	denom := floats.Norm(x, 2) * floats.Norm(y, 2)
	if denom < cosineEps {
		denom = cosineEps
	}
	return floats.Dot(x, y) / denom
}

// cosineGrad adds scale·∂cos(x,y)/∂x into dx and scale·∂cos(x,y)/∂y into dy.
func cosineGrad(dx, dy, x, y []float64, cos, scale float64) {
	nx := floats.Norm(x, 2)
	ny := floats.Norm(y, 2)
	if nx == 0 || ny == 0 {
		return
	}
	floats.AddScaled(dx, scale/(nx*ny), y)
	floats.AddScaled(dx, -scale*cos/(nx*nx), x)
	floats.AddScaled(dy, scale/(nx*ny), x)
	floats.AddScaled(dy, -scale*cos/(ny*ny), y)
}

func checkShapes(anchor, positive, negative *mat.Dense) (int, int, error) {
	b, dim := anchor.Dims()
	for _, m := range []*mat.Dense{positive, negative} {
		r, c := m.Dims()
		if r != b || c != dim {
			return 0, 0, fmt.Errorf("loss: triplet group shape %dx%d, want %dx%d", r, c, b, dim)
		}
	}
	if b == 0 {
		return 0, 0, fmt.Errorf("loss: empty triplet batch")
	}
	return b, dim, nil
}

func newTripletGrad(b, dim int) TripletGrad {
	return TripletGrad{
		Anchor:   mat.NewDense(b, dim, nil),
		Positive: mat.NewDense(b, dim, nil),
		Negative: mat.NewDense(b, dim, nil),
	}
}
