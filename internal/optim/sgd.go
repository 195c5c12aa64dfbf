// Package optim updates model parameters from their accumulated gradients.
package optim

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"fashion-trainer/internal/model"
)

// SGD is stochastic gradient descent with classical momentum:
//
//	buf = momentum*buf + grad
//	param -= lr*buf
//
// Momentum buffers are keyed by parameter identity and live as long as the
// optimizer does.
type SGD struct {
	params   []*model.Parameter
	lr       float64
	momentum float64
	buffers  map[*model.Parameter]*mat.Dense
}

// NewSGD builds an optimizer over params. Frozen parameters are rejected so
// callers filter with model.Trainable first.
func NewSGD(params []*model.Parameter, lr, momentum float64) (*SGD, error) {
	if len(params) == 0 {
		return nil, errors.New("optim: no trainable parameters")
	}
	if lr <= 0 {
		return nil, fmt.Errorf("optim: learning rate must be > 0 (got %g)", lr)
	}
	if momentum < 0 {
		return nil, fmt.Errorf("optim: momentum must be >= 0 (got %g)", momentum)
	}
	for _, p := range params {
		if !p.Trainable {
			return nil, fmt.Errorf("optim: parameter %s is frozen", p.Name)
		}
	}
	return &SGD{
		params:   params,
		lr:       lr,
		momentum: momentum,
		buffers:  make(map[*model.Parameter]*mat.Dense, len(params)),
	}, nil
}

// ZeroGrad clears the gradients of every managed parameter.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

// Step applies one update to every managed parameter.
func (s *SGD) Step() {
	for _, p := range s.params {
		update := p.Grad
		if s.momentum != 0 {
			buf, ok := s.buffers[p]
			if !ok {
				buf = mat.DenseCopyOf(p.Grad)
				s.buffers[p] = buf
			} else {
				buf.Scale(s.momentum, buf)
				buf.Add(buf, p.Grad)
			}
			update = buf
		}
		var scaled mat.Dense
		scaled.Scale(s.lr, update)
		p.Value.Sub(p.Value, &scaled)
	}
}
