package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"motionpipe/config"
	"motionpipe/httpServer"
	"motionpipe/internal/auth"
	"motionpipe/internal/detector"
	"motionpipe/internal/imaging"
	"motionpipe/internal/logging"
	"motionpipe/internal/metrics"
	"motionpipe/internal/playback"
	"motionpipe/internal/queue"
	"motionpipe/internal/rtmp"
	"motionpipe/internal/stage"
	"motionpipe/internal/storage"
	"motionpipe/internal/streamer"
	"motionpipe/pkg/models"
)

const tokenCleanupInterval = time.Minute

// pipeline holds what every stage of one process shares
type pipeline struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	frames   storage.Storage

	// extractor replaces ffmpeg when set
	extractor streamer.Extractor
	// released receives every released frame when set
	released playback.Sink

	mu      sync.Mutex
	shared  queue.Broker
	brokers []queue.Broker
	closers []func() error
}

func openPipeline(ctx context.Context, cc *commandContext, logger *zap.Logger) (*pipeline, error) {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return nil, err
	}
	frames, closeFrames, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open frame storage: %w", err)
	}
	return &pipeline{
		cfg:      cfg,
		logger:   logger,
		metrics:  cc.metricsSet(),
		gatherer: cc.gatherer(),
		frames:   frames,
		closers:  []func() error{closeFrames},
	}, nil
}

// broker connects a transport client for one stage. The memory transport
// only works in-process, so its broker is shared by every stage.
func (p *pipeline) broker(ctx context.Context, client string) (queue.Broker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Transport.Kind == config.TransportMemory && p.shared != nil {
		return p.shared, nil
	}
	b, err := queue.Open(ctx, p.cfg, client, p.logger)
	if err != nil {
		return nil, err
	}
	if p.cfg.Transport.Kind == config.TransportMemory {
		p.shared = b
	}
	p.brokers = append(p.brokers, b)
	return b, nil
}

// Close disconnects every broker, then releases storage
func (p *pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, b := range p.brokers {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.brokers = nil
	p.shared = nil
	for _, fn := range p.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *pipeline) newStreamer(pub streamer.Publisher, logger *zap.Logger) (*streamer.Service, error) {
	extractor := p.extractor
	if extractor == nil {
		if err := streamer.CheckFFmpegAvailable(p.cfg.Streamer.FFmpegPath); err != nil {
			logger.Warn("ffmpeg not available, extraction will fail", zap.Error(err))
		}
		extractor = streamer.NewFFmpegExtractor(p.cfg.Streamer.FFmpegPath, logger)
	}
	return streamer.NewService(streamer.Options{
		Extractor:  extractor,
		Frames:     p.frames,
		Publisher:  pub,
		Queue:      p.cfg.Transport.FramesQueueName,
		PublishFPS: p.cfg.Streamer.PublishFPS,
		Logger:     logger,
		Metrics:    p.metrics,
	})
}

// runStreamer serves the submission API and, when configured, RTMP ingest.
// videos are submitted once the service is up.
func (p *pipeline) runStreamer(ctx context.Context, videos []string) error {
	logger := logging.ForStage(p.logger, "streamer")
	b, err := p.broker(ctx, "streamer")
	if err != nil {
		return err
	}
	if err := b.Declare(ctx, p.cfg.Transport.FramesQueueName); err != nil {
		return fmt.Errorf("declare %s: %w", p.cfg.Transport.FramesQueueName, err)
	}

	svc, err := p.newStreamer(b, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	g, gctx := errgroup.WithContext(ctx)

	var authManager *auth.Manager
	if p.cfg.Streamer.RTMPAddr != "" {
		authManager = auth.New(p.cfg.Streamer.TokenExpiration, p.cfg.Streamer.MaxTokenDuration)
		g.Go(func() error {
			authManager.RunCleanup(gctx, tokenCleanupInterval)
			return nil
		})

		rtmpSrv := rtmp.New(p.cfg.Streamer.RTMPAddr, svc.Sessions(), authManager, svc, logger, p.metrics)
		g.Go(func() error {
			return serveUntilDone(gctx, rtmpSrv.ListenAndServe, rtmpSrv.Close)
		})
	}

	if p.cfg.Streamer.HTTPAddr != "" {
		httpSrv := httpServer.New(httpServer.Options{
			Streamer:       svc,
			Auth:           authManager,
			Metrics:        p.metrics,
			Gatherer:       p.gatherer,
			RTMPIngestAddr: p.cfg.Streamer.RTMPIngestAddr,
			Logger:         logger,
		})
		g.Go(func() error {
			return httpSrv.Run(gctx, p.cfg.Streamer.HTTPAddr)
		})
	}

	for _, v := range videos {
		session, err := svc.Submit(v)
		if err != nil {
			logger.Error("submit video", zap.String("source", v), zap.Error(err))
			continue
		}
		logger.Info("video submitted", zap.String(logging.FieldSessionID, session.ID))
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// runDetector consumes channel A and publishes motion records to channel B
func (p *pipeline) runDetector(ctx context.Context) error {
	lock, err := detector.AcquireLock(p.cfg.Detector.LockFile)
	if err != nil {
		return err
	}
	p.logger.Info("detector lock held", zap.String("path", lock.Path()))

	b, err := p.broker(ctx, "detector")
	if err != nil {
		_ = lock.Release()
		return err
	}
	if err := b.Declare(ctx, p.cfg.Transport.DetectionsQueueName); err != nil {
		_ = lock.Release()
		return fmt.Errorf("declare %s: %w", p.cfg.Transport.DetectionsQueueName, err)
	}

	d := detector.NewFrameDifferencer(detector.ParamsFromConfig(p.cfg.Detector))
	svc := detector.NewService(d, p.frames, b, p.cfg.Transport.DetectionsQueueName,
		logging.ForStage(p.logger, "detector"), p.metrics)

	runner := stage.NewRunner("detector", b, p.cfg.Transport.FramesQueueName, svc, p.logger, p.metrics)
	runner.OnStop(lock.Release)
	return runner.Run(ctx)
}

// runDisplayer consumes channel B and paces annotated frames out to viewers
func (p *pipeline) runDisplayer(ctx context.Context) error {
	logger := logging.ForStage(p.logger, "displayer")
	b, err := p.broker(ctx, "displayer")
	if err != nil {
		return err
	}

	buf, err := playback.NewBuffer(p.cfg.Displayer.BufferSize, p.cfg.Displayer.Policy)
	if err != nil {
		return err
	}
	hub := playback.NewHub(p.metrics)
	sinks := []playback.Sink{hub}
	if p.cfg.Displayer.OutputDir != "" {
		out, err := storage.NewLocalStorage(p.cfg.Displayer.OutputDir)
		if err != nil {
			return fmt.Errorf("open output dir: %w", err)
		}
		logger.Info("writing released frames", zap.String("dir", out.BaseDir()))
		sinks = append(sinks, playback.NewStorageSink(out))
	}
	if p.released != nil {
		sinks = append(sinks, p.released)
	}

	player, err := playback.NewPlayer(playback.Options{
		Buffer:  buf,
		Delay:   p.cfg.Displayer.Delay(),
		Frames:  p.frames,
		Sinks:   sinks,
		Quality: imaging.DefaultJPEGQuality,
		Logger:  logger,
		Metrics: p.metrics,
	})
	if err != nil {
		return err
	}
	runner := stage.NewRunner("displayer", b, p.cfg.Transport.DetectionsQueueName, player, p.logger, p.metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return player.Run(gctx, runner.Run)
	})
	if p.cfg.Displayer.HTTPAddr != "" {
		httpSrv := httpServer.New(httpServer.Options{
			Hub:      hub,
			Metrics:  p.metrics,
			Gatherer: p.gatherer,
			Logger:   logger,
		})
		g.Go(func() error {
			return httpSrv.Run(gctx, p.cfg.Displayer.HTTPAddr)
		})
	}
	return g.Wait()
}

// serveUntilDone runs serve and stops it with stop once ctx ends. Errors
// returned by serve after the stop are dropped.
func serveUntilDone(ctx context.Context, serve func() error, stop func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve()
	}()

	select {
	case err := <-errCh:
		_ = stop()
		return err
	case <-ctx.Done():
	}
	err := stop()
	<-errCh
	return err
}

// extract runs one extraction session synchronously
func (p *pipeline) extract(ctx context.Context, video string) (models.SessionInfo, error) {
	logger := logging.ForStage(p.logger, "streamer")
	b, err := p.broker(ctx, "streamer")
	if err != nil {
		return models.SessionInfo{}, err
	}
	if err := b.Declare(ctx, p.cfg.Transport.FramesQueueName); err != nil {
		return models.SessionInfo{}, fmt.Errorf("declare %s: %w", p.cfg.Transport.FramesQueueName, err)
	}

	svc, err := p.newStreamer(b, logger)
	if err != nil {
		return models.SessionInfo{}, err
	}
	defer svc.Close()

	session, err := svc.Process(ctx, video)
	if err != nil {
		return models.SessionInfo{}, err
	}
	return session.Snapshot(), nil
}
