package checkpoint

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Checkpoint message.
const (
	fieldRunID   protowire.Number = 1
	fieldEpoch   protowire.Number = 2
	fieldStep    protowire.Number = 3
	fieldParams  protowire.Number = 4
	fieldCreated protowire.Number = 5
)

// Field numbers of the Tensor message.
const (
	fieldName      protowire.Number = 1
	fieldRows      protowire.Number = 2
	fieldCols      protowire.Number = 3
	fieldData      protowire.Number = 4
	fieldTrainable protowire.Number = 5
)

// State is the decoded content of a checkpoint file.
type State struct {
	RunID       string
	Epoch       int
	Step        int
	CreatedUnix int64
	Tensors     []Tensor
}

// Tensor is one serialized parameter.
type Tensor struct {
	Name      string
	Rows      int
	Cols      int
	Data      []float64
	Trainable bool
}

func (s *State) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, s.RunID)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Step))
	for i := range s.Tensors {
		b = protowire.AppendTag(b, fieldParams, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Tensors[i].marshal())
	}
	b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.CreatedUnix))
	return b
}

func (t *Tensor) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	b = protowire.AppendTag(b, fieldRows, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Rows))
	b = protowire.AppendTag(b, fieldCols, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Cols))
	packed := make([]byte, 0, 8*len(t.Data))
	for _, v := range t.Data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	b = protowire.AppendTag(b, fieldTrainable, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(t.Trainable))
	return b
}

func unmarshalState(b []byte) (*State, error) {
	s := &State{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldRunID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			s.RunID = v
			b = b[n:]
		case (num == fieldEpoch || num == fieldStep || num == fieldCreated) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case fieldEpoch:
				s.Epoch = int(v)
			case fieldStep:
				s.Step = int(v)
			default:
				s.CreatedUnix = int64(v)
			}
			b = b[n:]
		case num == fieldParams && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			t, err := unmarshalTensor(v)
			if err != nil {
				return nil, fmt.Errorf("param %d: %w", len(s.Tensors), err)
			}
			s.Tensors = append(s.Tensors, t)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return s, nil
}

func unmarshalTensor(b []byte) (Tensor, error) {
	var t Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Tensor{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			t.Name = v
			b = b[n:]
		case (num == fieldRows || num == fieldCols || num == fieldTrainable) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			switch num {
			case fieldRows:
				t.Rows = int(v)
			case fieldCols:
				t.Cols = int(v)
			default:
				t.Trainable = protowire.DecodeBool(v)
			}
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			if len(v)%8 != 0 {
				return Tensor{}, errors.New("packed data length not a multiple of 8")
			}
			t.Data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return Tensor{}, protowire.ParseError(m)
				}
				t.Data = append(t.Data, math.Float64frombits(bits))
				v = v[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if t.Rows*t.Cols != len(t.Data) {
		return Tensor{}, fmt.Errorf("tensor %s: %dx%d shape but %d values", t.Name, t.Rows, t.Cols, len(t.Data))
	}
	return t, nil
}
