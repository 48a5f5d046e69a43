package streamer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxFrameSize bounds one extracted JPEG
const maxFrameSize = 32 << 20

const waitDelay = 2 * time.Second

// Source is either a URL/path ffmpeg can open or a stream read from Reader
type Source struct {
	URL    string
	Reader io.Reader
	Format string // input format for Reader, e.g. "flv"
}

func (s Source) String() string {
	if s.Reader != nil {
		return "pipe:" + s.Format
	}
	return s.URL
}

// Extractor turns a video source into JPEG frames in decode order
type Extractor interface {
	Extract(ctx context.Context, src Source, emit func(jpeg []byte) error) error
}

// FFmpegExtractor decodes sources with an ffmpeg child process writing MJPEG
// to stdout.
type FFmpegExtractor struct {
	path    string
	quality int
	logger  *zap.Logger
}

// NewFFmpegExtractor creates an extractor using the ffmpeg binary at path
func NewFFmpegExtractor(path string, logger *zap.Logger) *FFmpegExtractor {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegExtractor{path: path, quality: 2, logger: logger}
}

// Args returns the ffmpeg arguments for src
func (e *FFmpegExtractor) Args(src Source) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}
	if src.Reader != nil {
		if src.Format != "" {
			args = append(args, "-f", src.Format)
		}
		args = append(args, "-i", "pipe:0")
	} else {
		args = append(args, "-i", src.URL)
	}
	return append(args,
		"-an",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", fmt.Sprint(e.quality),
		"pipe:1",
	)
}

// Extract runs ffmpeg and calls emit for every frame. An emit error stops
// ffmpeg and is returned unchanged.
func (e *FFmpegExtractor) Extract(ctx context.Context, src Source, emit func(jpeg []byte) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.path, e.Args(src)...)
	if src.Reader != nil {
		cmd.Stdin = src.Reader
	}
	// A live reader may never reach EOF after ffmpeg is killed
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	e.logger.Debug("ffmpeg started", zap.String("source", src.String()))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256<<10), maxFrameSize)
	scanner.Split(SplitJPEG)

	var emitErr error
	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		if emitErr = emit(frame); emitErr != nil {
			break
		}
	}
	scanErr := scanner.Err()

	if emitErr != nil || scanErr != nil {
		cancel()
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	switch {
	case emitErr != nil:
		return emitErr
	case ctx.Err() != nil:
		return ctx.Err()
	case scanErr != nil:
		return fmt.Errorf("read ffmpeg output: %w", scanErr)
	case waitErr != nil:
		return fmt.Errorf("ffmpeg failed for %s: %w: %s", src, waitErr, tail(stderr.String()))
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		e.logger.Debug("ffmpeg warnings", zap.String("stderr", tail(msg)))
	}
	return nil
}

// CheckFFmpegAvailable checks that the ffmpeg binary runs
func CheckFFmpegAvailable(path string) error {
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.Command(path, "-version")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("ffmpeg not found: %w", err)
		}
		return fmt.Errorf("ffmpeg not working: %w\nStderr: %s", err, stderr.String())
	}
	if len(output) == 0 {
		return errors.New("ffmpeg produced no output")
	}
	return nil
}

func tail(s string) string {
	const limit = 512
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return "..." + s[len(s)-limit:]
	}
	return s
}
