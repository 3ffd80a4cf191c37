// Package config loads tssender settings from YAML, an optional .env file
// and TSSENDER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sink types.
const (
	SinkRTP    = "rtp"
	SinkWebRTC = "webrtc"
	SinkSRT    = "srt"
	SinkQUIC   = "quic"
	SinkFile   = "file"
)

// Config is the full process configuration.
type Config struct {
	// Source is the initial .ts file, playlist, or remote URL.
	Source string `yaml:"source"`

	// FrameRate is the pacing rate in frames per second.
	FrameRate int `yaml:"frame_rate"`

	// CacheDir receives downloaded segments.
	CacheDir string `yaml:"cache_dir"`

	// TimestampTrailer appends a wall-clock trailer to each payload. Only
	// the srt, quic and file sinks carry it; on RTP it would corrupt the
	// last NAL unit of every frame.
	TimestampTrailer bool `yaml:"timestamp_trailer"`

	Sink    SinkConfig    `yaml:"sink"`
	Control ControlConfig `yaml:"control"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Log     LogConfig     `yaml:"log"`
}

// SinkConfig selects and configures the frame destination.
type SinkConfig struct {
	Type        string   `yaml:"type"`
	Address     string   `yaml:"address"`
	StreamID    string   `yaml:"stream_id"`
	Path        string   `yaml:"path"`
	Fingerprint string   `yaml:"fingerprint"`
	ServerName  string   `yaml:"server_name"`
	MTU         int      `yaml:"mtu"`
	PayloadType int      `yaml:"payload_type"`
	ICEServers  []string `yaml:"ice_servers"`
}

// ControlConfig enables the command surfaces.
type ControlConfig struct {
	Stdin         bool   `yaml:"stdin"`
	WebSocketAddr string `yaml:"websocket_addr"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisChannel  string `yaml:"redis_channel"`
	QueueSize     int    `yaml:"queue_size"`
}

// FetchConfig configures remote content download.
type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	S3      S3Config      `yaml:"s3"`
}

// S3Config holds credentials for s3:// sources. Empty keys fall back to
// the AWS default credential chain.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		FrameRate: 30,
		CacheDir:  "downloaded_ts",
		Sink: SinkConfig{
			Type: SinkFile,
			Path: "out.h264",
		},
		Control: ControlConfig{
			Stdin:        true,
			RedisChannel: "tssender:commands",
			QueueSize:    16,
		},
		Fetch: FetchConfig{
			Timeout: 60 * time.Second,
			S3:      S3Config{Region: "us-east-1"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path, if non-empty, over the defaults and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none
// are named) without overriding the existing environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("TSSENDER_SOURCE", &c.Source)
	num("TSSENDER_FPS", &c.FrameRate)
	str("TSSENDER_CACHE_DIR", &c.CacheDir)
	flag("TSSENDER_TIMESTAMP_TRAILER", &c.TimestampTrailer)

	str("TSSENDER_SINK", &c.Sink.Type)
	str("TSSENDER_SINK_ADDR", &c.Sink.Address)
	str("TSSENDER_SINK_STREAM_ID", &c.Sink.StreamID)
	str("TSSENDER_SINK_PATH", &c.Sink.Path)
	str("TSSENDER_SINK_FINGERPRINT", &c.Sink.Fingerprint)
	if v, ok := lookup("TSSENDER_ICE_SERVERS"); ok && v != "" {
		c.Sink.ICEServers = splitList(v)
	}

	flag("TSSENDER_STDIN", &c.Control.Stdin)
	str("TSSENDER_WS_ADDR", &c.Control.WebSocketAddr)
	str("TSSENDER_REDIS_ADDR", &c.Control.RedisAddr)
	str("TSSENDER_REDIS_PASSWORD", &c.Control.RedisPassword)
	num("TSSENDER_REDIS_DB", &c.Control.RedisDB)
	str("TSSENDER_REDIS_CHANNEL", &c.Control.RedisChannel)

	if v, ok := lookup("TSSENDER_FETCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: TSSENDER_FETCH_TIMEOUT: %w", err))
		} else {
			c.Fetch.Timeout = d
		}
	}
	str("TSSENDER_S3_REGION", &c.Fetch.S3.Region)
	str("TSSENDER_S3_ENDPOINT", &c.Fetch.S3.Endpoint)
	str("TSSENDER_S3_ACCESS_KEY_ID", &c.Fetch.S3.AccessKeyID)
	str("TSSENDER_S3_SECRET_ACCESS_KEY", &c.Fetch.S3.SecretAccessKey)

	str("TSSENDER_LOG_LEVEL", &c.Log.Level)
	str("TSSENDER_LOG_FORMAT", &c.Log.Format)
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CarriesTrailer reports whether the sink transports opaque payloads that
// can hold a timestamp trailer. RTP based sinks packetize H.264 and cannot.
func (s SinkConfig) CarriesTrailer() bool {
	switch s.Type {
	case SinkSRT, SinkQUIC, SinkFile:
		return true
	default:
		return false
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source) == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if c.FrameRate <= 0 || c.FrameRate > 240 {
		errs = append(errs, fmt.Errorf("frame_rate %d out of range 1-240", c.FrameRate))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if c.Control.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("control.queue_size %d must be positive", c.Control.QueueSize))
	}

	switch c.Sink.Type {
	case SinkRTP, SinkSRT, SinkQUIC:
		if _, _, err := net.SplitHostPort(c.Sink.Address); err != nil {
			errs = append(errs, fmt.Errorf("sink.address %q: %w", c.Sink.Address, err))
		}
	case SinkWebRTC:
		if c.Control.WebSocketAddr == "" {
			errs = append(errs, errors.New("webrtc sink needs control.websocket_addr for signaling"))
		}
	case SinkFile:
		if c.Sink.Path == "" {
			errs = append(errs, errors.New("file sink needs sink.path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.type %q", c.Sink.Type))
	}
	if c.TimestampTrailer && !c.Sink.CarriesTrailer() {
		errs = append(errs, fmt.Errorf("timestamp_trailer is not supported by the %s sink", c.Sink.Type))
	}
	if c.Sink.MTU < 0 || (c.Sink.MTU > 0 && c.Sink.MTU < 100) {
		errs = append(errs, fmt.Errorf("sink.mtu %d too small", c.Sink.MTU))
	}
	if c.Sink.PayloadType < 0 || c.Sink.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("sink.payload_type %d out of range 0-127", c.Sink.PayloadType))
	}

	if c.Control.WebSocketAddr != "" {
		if _, _, err := net.SplitHostPort(c.Control.WebSocketAddr); err != nil {
			errs = append(errs, fmt.Errorf("control.websocket_addr %q: %w", c.Control.WebSocketAddr, err))
		}
	}
	if c.Control.RedisAddr != "" && c.Control.RedisChannel == "" {
		errs = append(errs, errors.New("control.redis_channel is required with redis_addr"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
