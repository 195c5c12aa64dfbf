// Package checkpoint persists model parameters in the protobuf wire format.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fashion-trainer/internal/model"
)

const ext = ".ckpt"

// Manager writes one checkpoint file per Save call under Dir.
type Manager struct {
	dir   string
	runID string
	now   func() time.Time
}

// NewManager creates dir if needed. runID is stamped into every file.
func NewManager(dir, runID string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Manager{dir: dir, runID: runID, now: time.Now}, nil
}

// Path returns the file a Save(epoch, step) call writes. A step <= 0 names
// the end-of-epoch checkpoint.
func (m *Manager) Path(epoch, step int) string {
	suffix := "final"
	if step > 0 {
		suffix = strconv.Itoa(step)
	}
	return filepath.Join(m.dir, fmt.Sprintf("model_%d_%s%s", epoch, suffix, ext))
}

// Save copies the parameters of mdl to disk and returns the written path.
func (m *Manager) Save(mdl model.Model, epoch, step int) (string, error) {
	state := &State{
		RunID:       m.runID,
		Epoch:       epoch,
		Step:        step,
		CreatedUnix: m.now().Unix(),
	}
	if state.Step < 0 {
		state.Step = 0
	}
	for _, p := range mdl.Parameters() {
		r, c := p.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		state.Tensors = append(state.Tensors, Tensor{
			Name:      p.Name,
			Rows:      r,
			Cols:      c,
			Data:      data,
			Trainable: p.Trainable,
		})
	}

	path := m.Path(epoch, step)
	if err := writeFile(path, state.marshal()); err != nil {
		return "", fmt.Errorf("checkpoint: save %s: %w", path, err)
	}
	return path, nil
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Read decodes the checkpoint at path.
func Read(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	state, err := unmarshalState(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return state, nil
}

// Load restores the parameters of mdl from the checkpoint at path. Every
// parameter of mdl must be present with a matching shape.
func Load(path string, mdl model.Model) (*State, error) {
	state, err := Read(path)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Tensor, len(state.Tensors))
	for i := range state.Tensors {
		byName[state.Tensors[i].Name] = &state.Tensors[i]
	}
	params := mdl.Parameters()
	for _, p := range params {
		t, ok := byName[p.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: %s: missing parameter %s", path, p.Name)
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c {
			return nil, fmt.Errorf("checkpoint: %s: parameter %s is %dx%d, model wants %dx%d",
				path, p.Name, t.Rows, t.Cols, r, c)
		}
	}
	if len(byName) != len(params) {
		return nil, fmt.Errorf("checkpoint: %s: holds %d parameters, model has %d", path, len(byName), len(params))
	}
	for _, p := range params {
		_, c := p.Value.Dims()
		data := byName[p.Name].Data
		for i := 0; i*c < len(data); i++ {
			copy(p.Value.RawRowView(i), data[i*c:(i+1)*c])
		}
	}
	return state, nil
}
