package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// stageFunc runs one or more stages on an open pipeline until ctx ends
type stageFunc func(ctx context.Context, p *pipeline) error

// runStages owns the signal context, logger and pipeline around fn
func runStages(cmd *cobra.Command, cc *commandContext, name string, fn stageFunc) error {
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := cc.newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	p, err := openPipeline(signalCtx, cc, logger)
	if err != nil {
		logger.Error("open pipeline", zap.Error(err))
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("close pipeline", zap.Error(err))
		}
	}()

	logger.Info("motionpipe starting",
		zap.String("command", name),
		zap.String("transport", p.cfg.Transport.Kind),
		zap.String("storage", p.cfg.Storage.Type),
	)
	if err := fn(signalCtx, p); err != nil {
		logger.Error("stage stopped", zap.String("command", name), zap.Error(err))
		return err
	}
	logger.Info("motionpipe stopped", zap.String("command", name))
	return nil
}

func newStreamerCommand(cc *commandContext) *cobra.Command {
	var videos []string
	cmd := &cobra.Command{
		Use:   "streamer",
		Short: "Serve video submission and RTMP ingest, announcing frames on channel A",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, cc, "streamer", func(ctx context.Context, p *pipeline) error {
				return p.runStreamer(ctx, videos)
			})
		},
	}
	cmd.Flags().StringArrayVar(&videos, "video", nil, "HTTPS video URL to submit at startup (repeatable)")
	return cmd
}

func newDetectorCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "detector",
		Short: "Compare announced frames and publish motion records on channel B",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, cc, "detector", func(ctx context.Context, p *pipeline) error {
				return p.runDetector(ctx)
			})
		},
	}
}

func newDisplayerCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "displayer",
		Short: "Buffer, annotate and pace motion records out as an MJPEG stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, cc, "displayer", func(ctx context.Context, p *pipeline) error {
				return p.runDisplayer(ctx)
			})
		},
	}
}

func newRunCommand(cc *commandContext) *cobra.Command {
	var videos []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all three stages in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, cc, "run", func(ctx context.Context, p *pipeline) error {
				return runAll(ctx, p, videos)
			})
		},
	}
	cmd.Flags().StringArrayVar(&videos, "video", nil, "HTTPS video URL to submit at startup (repeatable)")
	return cmd
}

// runAll supervises every stage; the first failure stops the others
func runAll(ctx context.Context, p *pipeline, videos []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.runDisplayer(gctx)
	})
	g.Go(func() error {
		return p.runDetector(gctx)
	})
	g.Go(func() error {
		return p.runStreamer(gctx, videos)
	})
	return g.Wait()
}

func newExtractCommand(cc *commandContext) *cobra.Command {
	var video string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract one video onto channel A and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if video == "" && len(args) > 0 {
				video = args[0]
			}
			if video == "" {
				return fmt.Errorf("--video is required")
			}
			return runStages(cmd, cc, "extract", func(ctx context.Context, p *pipeline) error {
				info, err := p.extract(ctx, video)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d frames announced\n", info.ID, info.Frames)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&video, "video", "", "HTTPS video URL to extract")
	return cmd
}
