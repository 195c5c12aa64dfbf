package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Triplet loss variants.
const (
	TripletEuclidean = "euclidean"
	TripletCosine    = "cosine"
)

// ErrInvalidDevice is returned when device_id does not name a usable device.
var ErrInvalidDevice = errors.New("config: invalid device id")

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoot  string `yaml:"train_root"`
	TestRoot   string `yaml:"test_root"`
	InShopRoot string `yaml:"inshop_root"`
	DumpDir    string `yaml:"dump_dir"`

	ImgSize          int `yaml:"img_size"`
	CropSize         int `yaml:"crop_size"`
	TrainBatchSize   int `yaml:"train_batch_size"`
	TestBatchSize    int `yaml:"test_batch_size"`
	TripletBatchSize int `yaml:"triplet_batch_size"`
	NumWorkers       int `yaml:"num_workers"`
	CacheMB          int `yaml:"cache_mb"`

	LR       float64 `yaml:"lr"`
	Momentum float64 `yaml:"momentum"`
	Epochs   int     `yaml:"epochs"`
	DeviceID int     `yaml:"device_id"`

	TripletWeight float64 `yaml:"triplet_weight"`
	TripletLoss   string  `yaml:"triplet_loss"`
	TripletMargin float64 `yaml:"triplet_margin"`

	EnableInShop  bool    `yaml:"enable_inshop_dataset"`
	InShopPercent float64 `yaml:"inshop_percent"`

	TestInterval   int `yaml:"test_interval"`
	LogInterval    int `yaml:"log_interval"`
	DumpInterval   int `yaml:"dump_interval"`
	TestBatchCount int `yaml:"test_batch_count"`

	NumClasses   int     `yaml:"num_classes"`
	HiddenDim    int     `yaml:"hidden_dim"`
	EmbeddingDim int     `yaml:"embedding_dim"`
	Dropout      float64 `yaml:"dropout"`
	FreezeParam  bool    `yaml:"freeze_param"`
	DumpedModel  string  `yaml:"dumped_model"`

	Shuffle bool  `yaml:"shuffle"`
	Seed    int64 `yaml:"seed"`
}

// Overrides captures values supplied through the environment.
type Overrides struct {
	TrainRoot   string  `env:"TRAIN_ROOT"`
	TestRoot    string  `env:"TEST_ROOT"`
	InShopRoot  string  `env:"INSHOP_ROOT"`
	DumpDir     string  `env:"DUMP_DIR"`
	Epochs      int     `env:"EPOCHS"`
	NumWorkers  int     `env:"NUM_WORKERS"`
	LR          float64 `env:"LR"`
	DumpedModel string  `env:"DUMPED_MODEL"`
	Seed        int64   `env:"SEED"`
}

// Default returns the baseline configuration that a YAML file is layered on.
func Default() *Config {
	return &Config{
		DumpDir:          "models",
		ImgSize:          32,
		CropSize:         28,
		TrainBatchSize:   32,
		TestBatchSize:    32,
		TripletBatchSize: 32,
		NumWorkers:       4,
		CacheMB:          32,
		LR:               0.001,
		Momentum:         0.5,
		Epochs:           10,
		TripletWeight:    2.0,
		TripletLoss:      TripletEuclidean,
		TripletMargin:    1.0,
		InShopPercent:    0.8,
		TestInterval:     100,
		LogInterval:      10,
		DumpInterval:     500,
		TestBatchCount:   30,
		NumClasses:       46,
		HiddenDim:        256,
		EmbeddingDim:     128,
		Shuffle:          true,
		Seed:             42,
	}
}

// Load reads a YAML config from path on top of Default. Callers validate
// after applying overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// FromEnv reads FASHION_* environment overrides.
func FromEnv() (Overrides, error) {
	var o Overrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "FASHION_"}); err != nil {
		return Overrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TrainRoot != "" {
		c.TrainRoot = o.TrainRoot
	}
	if o.TestRoot != "" {
		c.TestRoot = o.TestRoot
	}
	if o.InShopRoot != "" {
		c.InShopRoot = o.InShopRoot
	}
	if o.DumpDir != "" {
		c.DumpDir = o.DumpDir
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.DumpedModel != "" {
		c.DumpedModel = o.DumpedModel
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainRoot == "" || c.TestRoot == "" {
		return errors.New("train_root and test_root must be set")
	}
	if c.EnableInShop && c.InShopRoot == "" {
		return errors.New("inshop_root must be set when enable_inshop_dataset is true")
	}
	if c.DumpDir == "" {
		return errors.New("dump_dir must be set")
	}
	if c.ImgSize <= 0 || c.CropSize <= 0 {
		return fmt.Errorf("img_size and crop_size must be > 0 (got %d, %d)", c.ImgSize, c.CropSize)
	}
	if c.CropSize > c.ImgSize {
		return fmt.Errorf("crop_size %d exceeds img_size %d", c.CropSize, c.ImgSize)
	}
	for name, v := range map[string]int{
		"train_batch_size":   c.TrainBatchSize,
		"test_batch_size":    c.TestBatchSize,
		"triplet_batch_size": c.TripletBatchSize,
		"num_workers":        c.NumWorkers,
		"epochs":             c.Epochs,
		"test_interval":      c.TestInterval,
		"log_interval":       c.LogInterval,
		"dump_interval":      c.DumpInterval,
		"test_batch_count":   c.TestBatchCount,
		"num_classes":        c.NumClasses,
		"hidden_dim":         c.HiddenDim,
		"embedding_dim":      c.EmbeddingDim,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", name, v)
		}
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.DeviceID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDevice, c.DeviceID)
	}
	if c.TripletWeight < 0 {
		return fmt.Errorf("triplet_weight must be >= 0 (got %g)", c.TripletWeight)
	}
	switch c.TripletLoss {
	case TripletEuclidean, TripletCosine:
	default:
		return fmt.Errorf("triplet_loss must be %q or %q (got %q)", TripletEuclidean, TripletCosine, c.TripletLoss)
	}
	if c.TripletMargin < 0 {
		return fmt.Errorf("triplet_margin must be >= 0 (got %g)", c.TripletMargin)
	}
	if c.InShopPercent < 0 || c.InShopPercent > 1 {
		return fmt.Errorf("inshop_percent must be in [0, 1] (got %g)", c.InShopPercent)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1) (got %g)", c.Dropout)
	}
	if c.CacheMB < 0 {
		return fmt.Errorf("cache_mb must be >= 0 (got %d)", c.CacheMB)
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}
