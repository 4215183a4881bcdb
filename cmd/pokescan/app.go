package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ken/pokescan/internal/config"
	"github.com/ken/pokescan/pkg/builder"
	"github.com/ken/pokescan/pkg/capture"
	"github.com/ken/pokescan/pkg/capture/ffmpeg"
	"github.com/ken/pokescan/pkg/classify"
	"github.com/ken/pokescan/pkg/core/distance"
	"github.com/ken/pokescan/pkg/embedding"
	"github.com/ken/pokescan/pkg/embedding/models"
	"github.com/ken/pokescan/pkg/index/flat"
	"github.com/ken/pokescan/pkg/refcache"
	"github.com/ken/pokescan/pkg/session"
	"github.com/ken/pokescan/pkg/source"
	"github.com/ken/pokescan/pkg/storage"
	"github.com/ken/pokescan/pkg/view"
)

const fetchTimeout = 20 * time.Second

// app holds the wired session and everything that must be closed with it
type app struct {
	scanner *session.Scanner
	closers []func() error
}

// newApp wires a scanner from cfg. Without a camera the session still
// serves imports.
func newApp(cfg *config.Config, logger *slog.Logger, withCamera bool) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metric, err := distance.GetMetric(distance.MetricType(cfg.Index.Metric))
	if err != nil {
		return nil, err
	}
	store := flat.NewFlatIndex(metric)

	var opts []source.Option
	opts = append(opts, source.WithLogger(logger))
	if cfg.Sources.CachePath != "" {
		cache, err := refcache.Open(cfg.Sources.CachePath, cfg.Sources.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to open reference cache: %w", err)
		}
		a.closers = append(a.closers, cache.Close)
		opts = append(opts, source.WithCache(cache))
	}
	fetcher := source.NewHTTPFetcher(&http.Client{Timeout: fetchTimeout}, opts...)

	var spool storage.BlobStore
	if cfg.Storage.SpoolDir != "" {
		fs, err := storage.NewFileStore(cfg.Storage.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create spool: %w", err)
		}
		a.closers = append(a.closers, fs.Close)
		spool = fs
	}

	var device capture.Device
	if withCamera && cfg.Camera.Enabled {
		d, err := ffmpeg.NewDevice(cfg.Camera.FFmpegPath, cfg.Camera.Devices, logger)
		if err != nil {
			logger.Warn("camera unavailable, imports only", "error", err)
		} else {
			device = d
		}
	}
	manager := capture.NewManager(capture.Options{
		Device: device,
		Spool:  spool,
		Preferred: capture.Constraints{
			FacingMode: capture.FacingMode(cfg.Camera.Facing),
			Width:      cfg.Camera.Width,
			Height:     cfg.Camera.Height,
		},
		ReadyTimeout: cfg.Camera.ReadyTimeout,
		Logger:       logger,
	})

	policy, err := builder.ParsePolicy(cfg.Index.EmptyClassPolicy)
	if err != nil {
		return nil, err
	}
	weighting, err := classify.ParseWeighting(cfg.Classifier.Weighting)
	if err != nil {
		return nil, err
	}

	scanner, err := session.New(session.Options{
		Store:            store,
		Loader:           embedding.NewLoader(modelFactory(cfg.Model), logger),
		Capture:          manager,
		Fetcher:          fetcher,
		Variants:         cfg.Sources.Variants,
		Synth:            view.NewSynthesizer(view.NewRand(cfg.View.Seed)),
		Labels:           builder.Labels(cfg.Index.FirstID, cfg.Index.LastID),
		K:                cfg.Classifier.K,
		Threshold:        cfg.Classifier.Threshold,
		Augmentations:    cfg.Index.Augmentations,
		FetchConcurrency: cfg.Index.FetchConcurrency,
		Lookahead:        cfg.Index.Lookahead,
		EmptyClassPolicy: policy,
		Weighting:        weighting,
		MaxDistance:      cfg.Classifier.MaxDistance,
		Sink:             session.LogSink(logger),
		Logger:           logger,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}
	a.scanner = scanner
	return a, nil
}

// Close shuts the session down before the stores it depends on
func (a *app) Close() error {
	var errs []error
	if a.scanner != nil {
		errs = append(errs, a.scanner.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func modelFactory(cfg config.ModelConfig) embedding.Factory {
	return func(ctx context.Context) (models.EmbeddingModel, error) {
		switch cfg.Kind {
		case "http":
			mc := models.NewModelConfig(cfg.Name)
			mc.Endpoint = cfg.Endpoint
			if cfg.Timeout > 0 {
				mc.Timeout = cfg.Timeout
			}
			return models.NewHTTPModel(ctx, mc, nil)
		case "handcrafted", "":
			return models.NewHandcraftedModel(), nil
		default:
			return nil, fmt.Errorf("unknown model kind %q", cfg.Kind)
		}
	}
}
