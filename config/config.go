package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportAMQP   = "amqp"
	TransportMQTT   = "mqtt"
	TransportMemory = "memory"
)

// Broker ports used when the config leaves the port unset
const (
	DefaultAMQPPort = 5672
	DefaultMQTTPort = 1883
)

// Storage kinds
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Buffer policies for the displayer
const (
	PolicyGateThenDrain = "gate-then-drain"
	PolicyBoundedDrop   = "bounded-drop"
)

// Comparison modes for the detector
const (
	ComparisonConsecutive = "consecutive"
	ComparisonAnchor      = "anchor"
)

// Config holds all application configuration
type Config struct {
	Transport  TransportConfig `yaml:"transport"`
	RootFolder string          `yaml:"root_folder"`
	Storage    StorageConfig   `yaml:"storage"`
	Detector   DetectorConfig  `yaml:"detector"`
	Displayer  DisplayerConfig `yaml:"displayer"`
	Streamer   StreamerConfig  `yaml:"streamer"`
	Log        LogConfig       `yaml:"log"`

	// Legacy key from the first config file revision
	RabbitMQ *legacyRabbitMQ `yaml:"rabbitmq,omitempty"`
}

// TransportConfig describes the delivery channels between stages
type TransportConfig struct {
	Kind                string `yaml:"kind"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	User                string `yaml:"user"`
	Password            string `yaml:"password"`
	FramesQueueName     string `yaml:"frames_queue_name"`
	DetectionsQueueName string `yaml:"detections_queue_name"`
	Prefetch            int    `yaml:"prefetch"`
	ClientID            string `yaml:"client_id"` // MQTT persistent session id prefix
}

type legacyRabbitMQ struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	FramesQueue     string `yaml:"frames_queue"`
	DetectionsQueue string `yaml:"detections_queue"`
}

// StorageConfig selects where frame images live
type StorageConfig struct {
	Type          string `yaml:"type"`
	GCSProjectID  string `yaml:"gcs_project_id"`
	GCSBucketName string `yaml:"gcs_bucket_name"`
	GCSBaseDir    string `yaml:"gcs_base_dir"`
}

// DetectorConfig holds the motion thresholds
type DetectorConfig struct {
	DiffThreshold    int    `yaml:"diff_threshold"`
	MinArea          int    `yaml:"min_area"`
	DilateIterations int    `yaml:"dilate_iterations"`
	ComparisonMode   string `yaml:"comparison_mode"`
	LockFile         string `yaml:"lock_file"`
}

// DisplayerConfig holds playback settings
type DisplayerConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	FPS        int    `yaml:"fps"`
	Policy     string `yaml:"policy"`
	HTTPAddr   string `yaml:"http_addr"`
	OutputDir  string `yaml:"output_dir"` // Optional directory receiving released JPEGs
}

// Delay returns the pacing interval 1/fps
func (d DisplayerConfig) Delay() time.Duration {
	return time.Second / time.Duration(d.FPS)
}

// StreamerConfig holds frame source settings
type StreamerConfig struct {
	HTTPAddr         string        `yaml:"http_addr"`
	RTMPAddr         string        `yaml:"rtmp_addr"`        // Empty disables live ingest
	RTMPIngestAddr   string        `yaml:"rtmp_ingest_addr"` // Public RTMP URL for publishers
	FFmpegPath       string        `yaml:"ffmpeg_path"`
	PublishFPS       float64       `yaml:"publish_fps"` // 0 means unthrottled
	TokenExpiration  time.Duration `yaml:"token_expiration"`
	MaxTokenDuration time.Duration `yaml:"max_token_duration"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration with every default applied
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Kind:                TransportAMQP,
			Host:                "localhost",
			Port:                DefaultAMQPPort,
			User:                "guest",
			Password:            "guest",
			FramesQueueName:     "frames",
			DetectionsQueueName: "detections",
			Prefetch:            1,
			ClientID:            "motionpipe",
		},
		RootFolder: "./data/frames",
		Storage: StorageConfig{
			Type: StorageLocal,
		},
		Detector: DetectorConfig{
			DiffThreshold:    25,
			MinArea:          500,
			DilateIterations: 2,
			ComparisonMode:   ComparisonConsecutive,
		},
		Displayer: DisplayerConfig{
			BufferSize: 10,
			FPS:        25,
			Policy:     PolicyGateThenDrain,
			HTTPAddr:   ":8002",
		},
		Streamer: StreamerConfig{
			HTTPAddr:         ":8001",
			RTMPIngestAddr:   "rtmp://localhost:1935",
			FFmpegPath:       "ffmpeg",
			TokenExpiration:  1 * time.Hour,
			MaxTokenDuration: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML or JSON file at path (optional), then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyLegacy()
	cfg.applyEnv()
	cfg.applyPortDefault()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacy maps the first-revision rabbitmq section onto transport when the
// transport section left a key at its default.
func (c *Config) applyLegacy() {
	if c.RabbitMQ == nil {
		return
	}
	def := Default().Transport
	if c.RabbitMQ.Host != "" && c.Transport.Host == def.Host {
		c.Transport.Host = c.RabbitMQ.Host
	}
	if c.RabbitMQ.Port != 0 && c.Transport.Port == def.Port {
		c.Transport.Port = c.RabbitMQ.Port
	}
	if c.RabbitMQ.FramesQueue != "" && c.Transport.FramesQueueName == def.FramesQueueName {
		c.Transport.FramesQueueName = c.RabbitMQ.FramesQueue
	}
	if c.RabbitMQ.DetectionsQueue != "" && c.Transport.DetectionsQueueName == def.DetectionsQueueName {
		c.Transport.DetectionsQueueName = c.RabbitMQ.DetectionsQueue
	}
	c.RabbitMQ = nil
}

// applyPortDefault moves an mqtt transport left on the AMQP port to the MQTT one
func (c *Config) applyPortDefault() {
	if c.Transport.Kind == TransportMQTT && c.Transport.Port == DefaultAMQPPort {
		c.Transport.Port = DefaultMQTTPort
	}
}

func (c *Config) applyEnv() {
	c.Transport.Kind = getEnv("TRANSPORT_KIND", c.Transport.Kind)
	c.Transport.Host = getEnv("TRANSPORT_HOST", c.Transport.Host)
	c.Transport.Port = getIntEnv("TRANSPORT_PORT", c.Transport.Port)
	c.Transport.User = getEnv("RABBITMQ_USER", c.Transport.User)
	c.Transport.Password = getEnv("RABBITMQ_PASS", c.Transport.Password)
	c.Transport.FramesQueueName = getEnv("FRAMES_QUEUE", c.Transport.FramesQueueName)
	c.Transport.DetectionsQueueName = getEnv("DETECTIONS_QUEUE", c.Transport.DetectionsQueueName)

	c.RootFolder = getEnv("ROOT_FOLDER", c.RootFolder)

	c.Storage.Type = getEnv("STORAGE_TYPE", c.Storage.Type)
	c.Storage.GCSProjectID = getEnv("GCS_PROJECT_ID", c.Storage.GCSProjectID)
	c.Storage.GCSBucketName = getEnv("GCS_BUCKET_NAME", c.Storage.GCSBucketName)
	c.Storage.GCSBaseDir = getEnv("GCS_BASE_DIR", c.Storage.GCSBaseDir)

	c.Displayer.BufferSize = getIntEnv("BUFFER_SIZE", c.Displayer.BufferSize)
	c.Displayer.FPS = getIntEnv("FPS", c.Displayer.FPS)
	c.Displayer.HTTPAddr = getEnv("DISPLAYER_HTTP_ADDR", c.Displayer.HTTPAddr)

	c.Streamer.HTTPAddr = getEnv("STREAMER_HTTP_ADDR", c.Streamer.HTTPAddr)
	c.Streamer.RTMPAddr = getEnv("RTMP_ADDR", c.Streamer.RTMPAddr)
	c.Streamer.RTMPIngestAddr = getEnv("RTMP_INGEST_ADDR", c.Streamer.RTMPIngestAddr)
	c.Streamer.TokenExpiration = getDurationEnv("DEFAULT_TOKEN_EXPIRATION", c.Streamer.TokenExpiration)
	c.Streamer.MaxTokenDuration = getDurationEnv("MAX_TOKEN_EXPIRATION", c.Streamer.MaxTokenDuration)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the stages cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case TransportAMQP, TransportMQTT, TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unsupported value %q", c.Transport.Kind))
	}
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		errs = append(errs, fmt.Errorf("transport.port: %d out of range", c.Transport.Port))
	}
	if strings.TrimSpace(c.Transport.FramesQueueName) == "" || strings.TrimSpace(c.Transport.DetectionsQueueName) == "" {
		errs = append(errs, errors.New("transport: queue names must not be empty"))
	}
	if c.Transport.FramesQueueName == c.Transport.DetectionsQueueName {
		errs = append(errs, errors.New("transport: frames and detections queues must differ"))
	}
	if c.Transport.Prefetch < 1 {
		c.Transport.Prefetch = 1
	}

	switch c.Storage.Type {
	case StorageLocal:
		if strings.TrimSpace(c.RootFolder) == "" {
			errs = append(errs, errors.New("root_folder must be set for local storage"))
		}
	case StorageGCS:
		if c.Storage.GCSProjectID == "" || c.Storage.GCSBucketName == "" {
			errs = append(errs, errors.New("storage: gcs_project_id and gcs_bucket_name must be set when type=gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type: unsupported value %q", c.Storage.Type))
	}

	if c.Detector.DiffThreshold < 0 || c.Detector.DiffThreshold > 255 {
		errs = append(errs, fmt.Errorf("detector.diff_threshold: %d outside 0..255", c.Detector.DiffThreshold))
	}
	if c.Detector.MinArea < 0 {
		errs = append(errs, errors.New("detector.min_area must not be negative"))
	}
	if c.Detector.DilateIterations < 0 {
		errs = append(errs, errors.New("detector.dilate_iterations must not be negative"))
	}
	switch c.Detector.ComparisonMode {
	case ComparisonConsecutive, ComparisonAnchor:
	default:
		errs = append(errs, fmt.Errorf("detector.comparison_mode: unsupported value %q", c.Detector.ComparisonMode))
	}

	if c.Displayer.BufferSize <= 0 {
		errs = append(errs, errors.New("displayer.buffer_size must be positive"))
	}
	if c.Displayer.FPS <= 0 {
		errs = append(errs, errors.New("displayer.fps must be positive"))
	}
	switch c.Displayer.Policy {
	case PolicyGateThenDrain, PolicyBoundedDrop:
	default:
		errs = append(errs, fmt.Errorf("displayer.policy: unsupported value %q", c.Displayer.Policy))
	}

	if c.Streamer.PublishFPS < 0 {
		errs = append(errs, errors.New("streamer.publish_fps must not be negative"))
	}

	return errors.Join(errs...)
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
