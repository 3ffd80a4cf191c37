package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default()
	assert.Equal(t, 30, cfg.FrameRate)
	assert.Equal(t, SinkFile, cfg.Sink.Type)
	assert.True(t, cfg.Control.Stdin)
	assert.Equal(t, 16, cfg.Control.QueueSize)
	assert.Equal(t, 60*time.Second, cfg.Fetch.Timeout)

	cfg.Source = "video.ts"
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "tssender.yaml", `
source: https://cdn.example.com/live/index.m3u8
frame_rate: 25
cache_dir: /var/cache/tssender
timestamp_trailer: true
sink:
  type: quic
  address: 10.0.0.5:4433
  fingerprint: ab:cd
control:
  stdin: false
  websocket_addr: ":8080"
  redis_addr: localhost:6379
fetch:
  timeout: 15s
  s3:
    region: eu-west-1
    endpoint: http://minio:9000
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/live/index.m3u8", cfg.Source)
	assert.Equal(t, 25, cfg.FrameRate)
	assert.Equal(t, "/var/cache/tssender", cfg.CacheDir)
	assert.True(t, cfg.TimestampTrailer)
	assert.Equal(t, SinkQUIC, cfg.Sink.Type)
	assert.Equal(t, "10.0.0.5:4433", cfg.Sink.Address)
	assert.False(t, cfg.Control.Stdin)
	assert.Equal(t, ":8080", cfg.Control.WebSocketAddr)
	assert.Equal(t, "tssender:commands", cfg.Control.RedisChannel, "unset fields keep defaults")
	assert.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, "eu-west-1", cfg.Fetch.S3.Region)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "frame_rate: [1, 2"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"TSSENDER_SOURCE":            "s3://bucket/clip.ts",
		"TSSENDER_FPS":               "60",
		"TSSENDER_SINK":              "srt",
		"TSSENDER_SINK_ADDR":         "ingest:9000",
		"TSSENDER_STDIN":             "false",
		"TSSENDER_FETCH_TIMEOUT":     "5s",
		"TSSENDER_ICE_SERVERS":       "stun:a:3478, ,stun:b:3478",
		"TSSENDER_TIMESTAMP_TRAILER": "1",
		"TSSENDER_LOG_LEVEL":         "warn",
		"TSSENDER_CACHE_DIR":         "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "s3://bucket/clip.ts", cfg.Source)
	assert.Equal(t, 60, cfg.FrameRate)
	assert.Equal(t, SinkSRT, cfg.Sink.Type)
	assert.Equal(t, "ingest:9000", cfg.Sink.Address)
	assert.False(t, cfg.Control.Stdin)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.Sink.ICEServers)
	assert.True(t, cfg.TimestampTrailer)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "downloaded_ts", cfg.CacheDir, "empty values are ignored")
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"TSSENDER_FPS":           "fast",
		"TSSENDER_STDIN":         "maybe",
		"TSSENDER_FETCH_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TSSENDER_FPS")
	assert.Contains(t, err.Error(), "TSSENDER_STDIN")
	assert.Contains(t, err.Error(), "TSSENDER_FETCH_TIMEOUT")
	assert.Equal(t, 30, cfg.FrameRate)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "c.yaml", "source: from-file.ts\nframe_rate: 25\n")
	t.Setenv("TSSENDER_SOURCE", "from-env.ts")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.ts", cfg.Source)
	assert.Equal(t, 25, cfg.FrameRate)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "TSSENDER_TEST_DOTENV=loaded\nTSSENDER_TEST_KEEP=fromfile\n")
	t.Setenv("TSSENDER_TEST_KEEP", "fromenv")
	t.Cleanup(func() { os.Unsetenv("TSSENDER_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "loaded", os.Getenv("TSSENDER_TEST_DOTENV"))
	assert.Equal(t, "fromenv", os.Getenv("TSSENDER_TEST_KEEP"))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no source", func(c *Config) { c.Source = " " }, "source is required"},
		{"zero fps", func(c *Config) { c.FrameRate = 0 }, "frame_rate"},
		{"huge fps", func(c *Config) { c.FrameRate = 1000 }, "frame_rate"},
		{"no cache dir", func(c *Config) { c.CacheDir = "" }, "cache_dir"},
		{"unknown sink", func(c *Config) { c.Sink.Type = "carrier-pigeon" }, "unknown sink.type"},
		{"rtp without port", func(c *Config) { c.Sink.Type = SinkRTP; c.Sink.Address = "host" }, "sink.address"},
		{"rtp ok", func(c *Config) { c.Sink.Type = SinkRTP; c.Sink.Address = "127.0.0.1:5004" }, ""},
		{"webrtc without signaling", func(c *Config) { c.Sink.Type = SinkWebRTC }, "websocket_addr"},
		{"webrtc ok", func(c *Config) { c.Sink.Type = SinkWebRTC; c.Control.WebSocketAddr = ":8080" }, ""},
		{"file without path", func(c *Config) { c.Sink.Path = "" }, "sink.path"},
		{"tiny mtu", func(c *Config) { c.Sink.MTU = 50 }, "sink.mtu"},
		{"payload type", func(c *Config) { c.Sink.PayloadType = 200 }, "payload_type"},
		{"bad ws addr", func(c *Config) { c.Control.WebSocketAddr = "8080" }, "websocket_addr"},
		{"redis without channel", func(c *Config) { c.Control.RedisAddr = "r:6379"; c.Control.RedisChannel = "" }, "redis_channel"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"queue size", func(c *Config) { c.Control.QueueSize = 0 }, "queue_size"},
		{"trailer on file", func(c *Config) { c.TimestampTrailer = true }, ""},
		{"trailer on rtp", func(c *Config) {
			c.Sink.Type = SinkRTP
			c.Sink.Address = "127.0.0.1:5004"
			c.TimestampTrailer = true
		}, "timestamp_trailer"},
		{"trailer on webrtc", func(c *Config) {
			c.Sink.Type = SinkWebRTC
			c.Control.WebSocketAddr = ":8080"
			c.TimestampTrailer = true
		}, "timestamp_trailer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Source = "video.ts"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
