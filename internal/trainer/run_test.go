package trainer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"fashion-trainer/internal/checkpoint"
	"fashion-trainer/internal/config"
	"fashion-trainer/internal/dataset"
	"fashion-trainer/internal/model"
)

func writeShard(t *testing.T, path string, n, classes int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	add := func(name string, data []byte) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		label := i % classes
		img := image.NewRGBA(image.Rect(0, 0, 6, 6))
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				img.Set(x, y, color.RGBA{R: uint8(label * 80), G: uint8(x * 40), B: uint8(y * 40), A: 255})
			}
		}
		encoded := &bytes.Buffer{}
		if err := png.Encode(encoded, img); err != nil {
			t.Fatalf("encode: %v", err)
		}
		key := fmt.Sprintf("%06d", i)
		add(key+".png", encoded.Bytes())
		add(key+".cls", []byte(strconv.Itoa(label)))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.TrainRoot = filepath.Join(dir, "train")
	cfg.TestRoot = filepath.Join(dir, "test")
	cfg.InShopRoot = filepath.Join(dir, "inshop")
	cfg.DumpDir = filepath.Join(dir, "models")
	writeShard(t, filepath.Join(cfg.TrainRoot, "shard-000000.tar"), 6, 3)
	writeShard(t, filepath.Join(cfg.TrainRoot, "shard-000001.tar"), 4, 3)
	writeShard(t, filepath.Join(cfg.TestRoot, "shard-000000.tar"), 4, 3)
	writeShard(t, filepath.Join(cfg.InShopRoot, "shard-000000.tar"), 6, 2)

	cfg.ImgSize, cfg.CropSize = 4, 3
	cfg.TrainBatchSize, cfg.TestBatchSize, cfg.TripletBatchSize = 2, 2, 2
	cfg.NumWorkers = 2
	cfg.Epochs = 1
	cfg.NumClasses = 3
	cfg.HiddenDim, cfg.EmbeddingDim = 8, 4
	cfg.TestInterval, cfg.LogInterval, cfg.DumpInterval = 3, 1, 2
	cfg.TestBatchCount = 2
	cfg.EnableInShop = true
	cfg.InShopPercent = 0.5
	cfg.LR = 0.01
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	if err := Run(context.Background(), cfg, log.New(&out, "", 0)); err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}
	for _, name := range []string{"model_1_2.ckpt", "model_1_4.ckpt", "model_1_final.ckpt"} {
		if _, err := os.Stat(filepath.Join(cfg.DumpDir, name)); err != nil {
			t.Fatalf("missing checkpoint %s: %v\n%s", name, err, out.String())
		}
	}
	if got := strings.Count(out.String(), "Train Epoch: 1"); got != 5 {
		t.Fatalf("log lines=%d want 5\n%s", got, out.String())
	}

	// the final checkpoint seeds a second run
	cfg.DumpedModel = filepath.Join(cfg.DumpDir, "model_1_final.ckpt")
	cfg.FreezeParam = true
	cfg.TripletWeight = 0
	out.Reset()
	if err := Run(context.Background(), cfg, log.New(&out, "", 0)); err != nil {
		t.Fatalf("second Run: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "loaded "+cfg.DumpedModel) {
		t.Fatalf("preloaded checkpoint not reported:\n%s", out.String())
	}
}

func TestBuildRejectsLabelsBeyondClasses(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumClasses = 2
	if _, err := Build(context.Background(), cfg, nil, log.New(&bytes.Buffer{}, "", 0)); err == nil {
		t.Fatal("expected num_classes error")
	}
}

func TestBuildEmptyDatasetIsConfigError(t *testing.T) {
	cfg := testConfig(t)
	cfg.TestRoot = t.TempDir()
	_, err := Build(context.Background(), cfg, nil, log.New(&bytes.Buffer{}, "", 0))
	if !errors.Is(err, dataset.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestRunRejectsUnknownDevice(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeviceID = 3
	if err := Run(context.Background(), cfg, log.New(&bytes.Buffer{}, "", 0)); !errors.Is(err, config.ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestBuildAppliesFreeze(t *testing.T) {
	cfg := testConfig(t)
	cfg.FreezeParam = true
	d, err := Build(context.Background(), cfg, nil, log.New(&bytes.Buffer{}, "", 0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, p := range model.Trainable(d.Session.Model) {
		if strings.HasPrefix(p.Name, "backbone.") {
			t.Fatalf("frozen backbone parameter %s is trainable", p.Name)
		}
	}
	path, err := d.Checkpoints.Save(d.Session.Model, 9, 0)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	state, err := checkpoint.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if state.RunID != d.Session.RunID {
		t.Fatalf("checkpoint run id %q, session %q", state.RunID, d.Session.RunID)
	}
}

func TestEvalTransformKeepsBorder(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			c := color.RGBA{A: 255}
			if x == 0 {
				c.R = 255
			}
			img.Set(x, y, c)
		}
	}
	encoded := &bytes.Buffer{}
	if err := png.Encode(encoded, img); err != nil {
		t.Fatalf("encode: %v", err)
	}

	cfg := config.Default()
	cfg.ImgSize, cfg.CropSize = 32, 28
	train, eval := transforms(cfg, dataset.NewCache(1))
	if train.Dim() != eval.Dim() {
		t.Fatalf("train dim %d != eval dim %d", train.Dim(), eval.Dim())
	}
	out, err := eval.Apply(dataset.Sample{Key: "edge", Image: encoded.Bytes()}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	maxRed := out[0]
	for _, v := range out[:28*28] {
		if v > maxRed {
			maxRed = v
		}
	}
	// full red normalizes to (1-0.485)/0.229
	if maxRed < 2.2 {
		t.Fatalf("red border column was cropped away: max red %.3f", maxRed)
	}
}
