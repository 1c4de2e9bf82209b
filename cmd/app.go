package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-verify/internal/assets"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/controller"
	"github.com/example/face-verify/internal/detector"
	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/face"
	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/normalizer"
	"github.com/example/face-verify/internal/pipeline"
)

// app holds the wired verification stack shared by serve and verify.
type app struct {
	source  face.AssetSource
	ctrl    *controller.Controller
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, observers ...controller.Observer) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	source, err := a.assetSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.source = source

	transform, err := imageprocessor.NewTransform(cfg.Model.ResizeBackend, cfg.Model.ResizeKernel)
	if err != nil {
		return nil, err
	}
	norm, err := normalizer.New(transform, cfg.Model.InputWidth, cfg.Model.InputHeight)
	if err != nil {
		return nil, err
	}

	runtime, err := embedding.NewONNXRuntime(cfg.Model.RuntimeLib, cfg.Model.Dim)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := runtime.Shutdown(); err != nil {
			logger.Warn("onnxruntime shutdown failed", zap.Error(err))
		}
	})
	engine, err := embedding.NewEngine(runtime, embedding.Config{
		InputName:  cfg.Model.InputName,
		OutputName: cfg.Model.OutputName,
		Dim:        cfg.Model.Dim,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = engine.Close() })

	if cfg.Detector.ModelsDir == "" {
		return nil, errors.New("DETECTOR_MODELS_DIR is required")
	}
	locator, err := detector.NewDlibLocator(cfg.Detector.ModelsDir, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, locator.Close)

	pipe, err := pipeline.New(locator, norm, engine, logger, pipeline.WithMaxPixels(cfg.Model.MaxImagePixels))
	if err != nil {
		return nil, err
	}
	a.ctrl, err = controller.New(engine, pipe, controller.Options{
		Threshold: cfg.Match.Threshold,
		Source:    source,
		Observers: observers,
	}, logger)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// assetSource builds the scheme router, adding S3 when a region or endpoint
// is configured and a Redis cache when ASSET_CACHE_REDIS is set. An
// unreachable Redis only disables the cache.
func (a *app) assetSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (face.AssetSource, error) {
	router := assets.NewRouter(logger, cfg.Assets.MaxSize)
	if cfg.Assets.AWSRegion != "" || cfg.Assets.S3Endpoint != "" {
		s3Fetcher, err := assets.NewS3Fetcher(assets.S3Config{
			Region:   cfg.Assets.AWSRegion,
			Endpoint: cfg.Assets.S3Endpoint,
		}, cfg.Assets.MaxSize)
		if err != nil {
			return nil, err
		}
		router.Register("s3", s3Fetcher)
	}

	if cfg.Assets.CacheRedis == "" {
		return router, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Assets.CacheRedis})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("asset cache unavailable, fetching directly", zap.String("addr", cfg.Assets.CacheRedis), zap.Error(err))
		_ = client.Close()
		return router, nil
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return assets.NewCachedSource(router, assets.NewRedisCache(client), cfg.Assets.CacheTTL, int(cfg.Assets.MaxSize), logger), nil
}

// prepare fetches the model and the optional reference concurrently and
// loads the model. The reference bytes are returned for the caller to
// capture, since a failed capture is not fatal for every command.
func (a *app) prepare(ctx context.Context, modelURI, referenceURI string) ([]byte, error) {
	var modelBytes, refBytes []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := a.source.Fetch(gctx, modelURI)
		if err != nil {
			return fmt.Errorf("fetch model: %w", errors.Join(face.ErrModelLoad, err))
		}
		modelBytes = b
		return nil
	})
	if referenceURI != "" {
		g.Go(func() error {
			b, err := a.source.Fetch(gctx, referenceURI)
			if err != nil {
				return fmt.Errorf("fetch reference: %w", err)
			}
			refBytes = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := a.ctrl.Load(ctx, modelBytes); err != nil {
		return nil, err
	}
	return refBytes, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
