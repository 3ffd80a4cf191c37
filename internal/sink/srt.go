package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/BenWeekes/agora-video-controller/internal/media"
)

// srtChunkSize is the standard SRT live payload (7 x 188).
const srtChunkSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// SRTConfig configures an SRT caller connection.
type SRTConfig struct {
	Address  string
	StreamID string
}

// SRTSink writes framed access units to an SRT connection in live-mode
// sized chunks.
type SRTSink struct {
	log *slog.Logger

	mu     sync.Mutex
	conn   io.WriteCloser
	buf    []byte
	closed bool
}

// DialSRT connects to cfg.Address as an SRT caller.
func DialSRT(ctx context.Context, cfg SRTConfig, log *slog.Logger) (*SRTSink, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-sink")

	srtCfg := srtgo.DefaultConfig()
	srtCfg.Latency = srtLatencyNs
	srtCfg.StreamID = cfg.StreamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(cfg.Address, srtCfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("sink: srt dial %s: %w", cfg.Address, res.err)
		}
		log.Info("srt connected", "address", cfg.Address, "stream_id", cfg.StreamID)
		return newSRTSink(res.conn, log), nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("sink: srt dial %s timed out after %s", cfg.Address, srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func newSRTSink(conn io.WriteCloser, log *slog.Logger) *SRTSink {
	return &SRTSink{log: log, conn: conn}
}

// WriteFrame frames au and writes it in chunks of at most 1316 bytes.
func (s *SRTSink) WriteFrame(_ context.Context, au *media.AccessUnit, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buf = AppendFrame(s.buf[:0], au)
	for off := 0; off < len(s.buf); off += srtChunkSize {
		end := min(off+srtChunkSize, len(s.buf))
		if _, err := s.conn.Write(s.buf[off:end]); err != nil {
			return fmt.Errorf("sink: srt write: %w", err)
		}
	}
	return nil
}

// Close closes the connection.
func (s *SRTSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
