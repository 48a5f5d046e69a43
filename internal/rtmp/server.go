package rtmp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"

	"motionpipe/internal/auth"
	"motionpipe/internal/logging"
	"motionpipe/internal/metrics"
	"motionpipe/internal/streammanager"
	"motionpipe/pkg/models"
)

// Ingester extracts frames from a live FLV stream. ClaimLive fails while
// another session is extracting; the returned function runs the ingest.
type Ingester interface {
	ClaimLive(session *models.Session) (func(ctx context.Context, r io.Reader, format string) error, error)
}

// Server accepts RTMP publishers and feeds their video into the streamer
type Server struct {
	addr        string
	sessions    *streammanager.Manager
	authManager *auth.Manager
	ingester    Ingester
	logger      *zap.Logger
	metrics     *metrics.Metrics
	server      *rtmp.Server

	stateMu sync.Mutex
	serving bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new RTMP ingest server
func New(addr string, sessions *streammanager.Manager, authManager *auth.Manager, ingester Ingester, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:        addr,
		sessions:    sessions,
		authManager: authManager,
		ingester:    ingester,
		logger:      logger.Named("rtmp"),
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
	}

	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})
	return s
}

// ListenAndServe starts the RTMP server
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return listener.Close()
	}
	s.serving = true
	s.stateMu.Unlock()

	s.logger.Info("RTMP server listening", zap.String("addr", s.addr))
	return s.server.Serve(listener)
}

func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	s.logger.Debug("new RTMP connection", zap.String("remote", conn.RemoteAddr().String()))
	if s.metrics != nil {
		s.metrics.RecordRTMPConnection()
	}

	return conn, &rtmp.ConnConfig{
		Handler: s.newHandler(conn.RemoteAddr().String()),

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},
	}
}

func (s *Server) newHandler(remote string) *ConnHandler {
	return &ConnHandler{server: s, remote: remote}
}

// Close stops accepting connections and ends running ingests
func (s *Server) Close() error {
	var err error
	s.stateMu.Lock()
	if s.serving && !s.closed {
		err = s.server.Close()
	}
	s.closed = true
	s.stateMu.Unlock()
	s.cancel()
	s.wg.Wait()
	return err
}

// ConnHandler handles one publishing connection
type ConnHandler struct {
	rtmp.DefaultHandler

	server    *Server
	remote    string
	streamKey string
	session   *models.Session
	pipe      *io.PipeWriter
	flv       *FLVWriter
	done      chan struct{}
	mu        sync.Mutex
}

// OnPublish validates the publish token and starts a live session
func (h *ConnHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	s := h.server
	streamKey, token := parseStreamKeyAndToken(cmd.PublishingName)
	log := s.logger.With(zap.String("stream_key", streamKey), zap.String("remote", h.remote))

	if token == "" {
		log.Warn("publish without token rejected")
		return fmt.Errorf("authentication failed: %w", auth.ErrInvalidToken)
	}
	if err := s.authManager.Redeem(token, streamKey); err != nil {
		log.Warn("token validation failed", zap.Error(err))
		return fmt.Errorf("authentication failed: %w", err)
	}

	session, err := s.sessions.StartLive(streamKey)
	if err != nil {
		log.Warn("failed to start live session", zap.Error(err))
		return err
	}
	ingest, err := s.ingester.ClaimLive(session)
	if err != nil {
		s.sessions.EndLive(streamKey)
		session.Fail(err)
		log.Warn("live publish rejected", zap.Error(err))
		return err
	}

	pr, pw := io.Pipe()
	h.mu.Lock()
	h.streamKey = streamKey
	h.session = session
	h.pipe = pw
	h.flv = NewFLVWriter(pw, false)
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		err := ingest(s.ctx, pr, "flv")
		// Unblock OnVideo if ffmpeg stopped reading first
		_ = pr.CloseWithError(io.ErrClosedPipe)
		s.sessions.EndLive(streamKey)
		if err != nil {
			log.Error("live ingest ended with error", zap.Error(err))
		}
	}()

	log.Info("stream is now live", zap.String(logging.FieldSessionID, session.ID))
	return nil
}

// OnVideo forwards one video message as an FLV tag
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flv == nil || len(data) == 0 {
		return nil // Ignore video before publish
	}
	if h.server.metrics != nil {
		h.server.metrics.RecordRTMPBytes(len(data))
	}

	if err := h.flv.WriteTag(TagVideo, timestamp, data); err != nil {
		// The extractor is gone; drop the rest of the stream
		h.server.logger.Warn("live ingest pipe closed", zap.String("stream_key", h.streamKey), zap.Error(err))
		h.flv = nil
	}
	return nil
}

// OnAudio ignores audio; frames are extracted from video only
func (h *ConnHandler) OnAudio(_ uint32, payload io.Reader) error {
	_, err := io.Copy(io.Discard, payload)
	return err
}

// OnClose ends the FLV stream so ffmpeg drains and the session completes
func (h *ConnHandler) OnClose() {
	h.mu.Lock()
	pipe := h.pipe
	done := h.done
	streamKey := h.streamKey
	h.pipe = nil
	h.flv = nil
	h.mu.Unlock()

	if pipe == nil {
		return
	}
	_ = pipe.Close()
	h.server.logger.Info("publisher disconnected", zap.String("stream_key", streamKey))
	<-done
}

// Session returns the live session of this connection, if publishing
func (h *ConnHandler) Session() *models.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// parseStreamKeyAndToken splits "streamkey?token=xxx"
func parseStreamKeyAndToken(publishingName string) (streamKey, token string) {
	streamKey, query, found := strings.Cut(publishingName, "?")
	if !found {
		return publishingName, ""
	}
	for _, kv := range strings.Split(query, "&") {
		if v, ok := strings.CutPrefix(kv, "token="); ok {
			token = v
		}
	}
	return streamKey, token
}
