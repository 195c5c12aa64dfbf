package trainer

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"fashion-trainer/internal/checkpoint"
	"fashion-trainer/internal/config"
	"fashion-trainer/internal/dataset"
	"fashion-trainer/internal/device"
	"fashion-trainer/internal/loss"
	"fashion-trainer/internal/model"
	"fashion-trainer/internal/optim"
)

// Run builds every collaborator described by cfg and trains to completion.
func Run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = log.Default()
	}

	dev, err := device.Select(cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidDevice, err)
	}
	logger.Printf("device %s", dev)

	pool, err := ants.NewPool(cfg.NumWorkers)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Release()

	driver, err := Build(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	logger.Printf("run=%s train=%d batches test=%d batches trainable_params=%d",
		driver.Session.RunID, driver.Train.Len(), driver.Evaluator.Loader.Len(),
		len(model.Trainable(driver.Session.Model)))
	return driver.Run(ctx)
}

// Build loads the datasets, model and optimizer and wires them into a Driver.
func Build(ctx context.Context, cfg *config.Config, pool *ants.Pool, logger *log.Logger) (*Driver, error) {
	trainTf, testTf := transforms(cfg, dataset.NewCache(cfg.CacheMB))

	trainIdx, err := dataset.LoadIndex(ctx, "train", cfg.TrainRoot, pool)
	if err != nil {
		return nil, fmt.Errorf("train dataset: %w", err)
	}
	testIdx, err := dataset.LoadIndex(ctx, "test", cfg.TestRoot, pool)
	if err != nil {
		return nil, fmt.Errorf("test dataset: %w", err)
	}
	for _, idx := range []*dataset.Index{trainIdx, testIdx} {
		labels := idx.Labels()
		if maxLabel := labels[len(labels)-1]; maxLabel >= cfg.NumClasses {
			return nil, fmt.Errorf("%s dataset: label %d exceeds num_classes %d", idx.Name, maxLabel, cfg.NumClasses)
		}
	}

	trainLoader, err := dataset.NewLoader[dataset.Example](dataset.NewClassificationSet(trainIdx, trainTf),
		dataset.LoaderOptions{BatchSize: cfg.TrainBatchSize, Shuffle: cfg.Shuffle, Seed: cfg.Seed, Pool: pool})
	if err != nil {
		return nil, fmt.Errorf("train loader: %w", err)
	}
	testLoader, err := dataset.NewLoader[dataset.Example](dataset.NewClassificationSet(testIdx, testTf),
		dataset.LoaderOptions{BatchSize: cfg.TestBatchSize, Seed: cfg.Seed, Pool: pool})
	if err != nil {
		return nil, fmt.Errorf("test loader: %w", err)
	}

	net, err := model.NewTwoHeadNet(model.Options{
		InputDim:     trainTf.Dim(),
		HiddenDim:    cfg.HiddenDim,
		NumClasses:   cfg.NumClasses,
		EmbeddingDim: cfg.EmbeddingDim,
		Dropout:      cfg.Dropout,
		Freeze:       cfg.FreezeParam,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	if cfg.DumpedModel != "" {
		state, err := checkpoint.Load(cfg.DumpedModel, net)
		if err != nil {
			return nil, err
		}
		logger.Printf("loaded %s (run=%s epoch=%d step=%d)", cfg.DumpedModel, state.RunID, state.Epoch, state.Step)
	}
	opt, err := optim.NewSGD(model.Trainable(net), cfg.LR, cfg.Momentum)
	if err != nil {
		return nil, err
	}

	combiner := &Combiner{
		Weight:        cfg.TripletWeight,
		InShopPercent: cfg.InShopPercent,
		Rand:          rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.TripletWeight > 0 {
		if combiner.Criterion, err = loss.NewTriplet(cfg.TripletLoss, cfg.TripletMargin); err != nil {
			return nil, err
		}
		if combiner.Source, err = buildTripletSource(ctx, cfg, trainIdx, trainTf, pool); err != nil {
			return nil, err
		}
	}
	if err := combiner.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ckpt, err := checkpoint.NewManager(cfg.DumpDir, runID)
	if err != nil {
		return nil, err
	}

	return &Driver{
		Session: &Session{
			RunID:     runID,
			Model:     net,
			Optimizer: opt,
			Combiner:  combiner,
		},
		Train: trainLoader,
		Evaluator: &Evaluator{
			Model:      net,
			Loader:     testLoader,
			BatchCount: cfg.TestBatchCount,
			BatchSize:  cfg.TestBatchSize,
		},
		Checkpoints: ckpt,
		Schedule: Schedule{
			Epochs:       cfg.Epochs,
			TestInterval: cfg.TestInterval,
			LogInterval:  cfg.LogInterval,
			DumpInterval: cfg.DumpInterval,
		},
		Logger: logger,
	}, nil
}

// transforms returns the training and evaluation pipelines. Training crops
// randomly out of img_size; evaluation scales the whole image to crop_size.
func transforms(cfg *config.Config, cache *fastcache.Cache) (train, eval *dataset.Transform) {
	train = &dataset.Transform{ImgSize: cfg.ImgSize, CropSize: cfg.CropSize, Train: true, Cache: cache}
	eval = &dataset.Transform{ImgSize: cfg.CropSize, CropSize: cfg.CropSize, Cache: cache}
	return train, eval
}

func buildTripletSource(ctx context.Context, cfg *config.Config, trainIdx *dataset.Index, tf *dataset.Transform, pool *ants.Pool) (*TripletSource, error) {
	opts := dataset.LoaderOptions{BatchSize: cfg.TripletBatchSize, Shuffle: cfg.Shuffle, Seed: cfg.Seed + 1, Pool: pool}

	set, err := dataset.NewTripletSet(trainIdx, tf)
	if err != nil {
		return nil, err
	}
	inCategory, err := dataset.NewLoader[dataset.Triplet](set, opts)
	if err != nil {
		return nil, fmt.Errorf("triplet loader: %w", err)
	}

	var inShop *dataset.Loader[dataset.Triplet]
	if cfg.EnableInShop {
		idx, err := dataset.LoadIndex(ctx, "inshop", cfg.InShopRoot, pool)
		if err != nil {
			return nil, fmt.Errorf("in-shop dataset: %w", err)
		}
		shopSet, err := dataset.NewTripletSet(idx, tf)
		if err != nil {
			return nil, err
		}
		opts.Seed = cfg.Seed + 2
		if inShop, err = dataset.NewLoader[dataset.Triplet](shopSet, opts); err != nil {
			return nil, fmt.Errorf("in-shop loader: %w", err)
		}
	}
	return NewTripletSource(inCategory, inShop)
}
