package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadLayersOnDefaults(t *testing.T) {
	path := writeConfig(t, `
train_root: /data/train
test_root: /data/test
epochs: 3
triplet_loss: cosine
enable_inshop_dataset: true
inshop_root: /data/inshop
inshop_percent: 0.25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Epochs != 3 {
		t.Fatalf("epochs=%d want 3", cfg.Epochs)
	}
	if cfg.TripletLoss != TripletCosine {
		t.Fatalf("triplet_loss=%q", cfg.TripletLoss)
	}
	if cfg.InShopPercent != 0.25 || !cfg.EnableInShop {
		t.Fatalf("in-shop settings not applied: %+v", cfg)
	}
	if cfg.TestBatchCount != Default().TestBatchCount {
		t.Fatalf("default test_batch_count lost: %d", cfg.TestBatchCount)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "train_root: a\ntest_root: b\nlearning_rate: 0.1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.TrainRoot = "a"
		c.TestRoot = "b"
		return c
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing roots", func(c *Config) { c.TrainRoot = "" }, "train_root"},
		{"inshop without root", func(c *Config) { c.EnableInShop = true }, "inshop_root"},
		{"crop larger than image", func(c *Config) { c.CropSize = c.ImgSize + 1 }, "crop_size"},
		{"zero batch", func(c *Config) { c.TrainBatchSize = 0 }, "train_batch_size"},
		{"bad variant", func(c *Config) { c.TripletLoss = "manhattan" }, "triplet_loss"},
		{"bad percent", func(c *Config) { c.InShopPercent = 1.5 }, "inshop_percent"},
		{"bad momentum", func(c *Config) { c.Momentum = 1 }, "momentum"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %v does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateDevice(t *testing.T) {
	c := Default()
	c.TrainRoot, c.TestRoot = "a", "b"
	c.DeviceID = -1
	if err := c.Validate(); !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FASHION_EPOCHS", "7")
	t.Setenv("FASHION_TRAIN_ROOT", "/override")
	o, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	c := Default()
	c.TrainRoot = "/orig"
	c.ApplyOverrides(o)
	if c.Epochs != 7 || c.TrainRoot != "/override" {
		t.Fatalf("overrides not applied: epochs=%d root=%s", c.Epochs, c.TrainRoot)
	}
	if c.LR != Default().LR {
		t.Fatalf("unset override changed lr to %g", c.LR)
	}
}
