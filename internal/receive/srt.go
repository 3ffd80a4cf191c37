package receive

import (
	"context"
	"fmt"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// SRTServer accepts SRT caller connections from the SRT sink.
type SRTServer struct {
	log      *slog.Logger
	addr     string
	consumer Consumer
	counters counters
}

// NewSRTServer creates a server listening on addr. If log is nil,
// slog.Default() is used.
func NewSRTServer(addr string, consumer Consumer, log *slog.Logger) *SRTServer {
	if log == nil {
		log = slog.Default()
	}
	return &SRTServer{
		log:      log.With("component", "srt-receiver"),
		addr:     addr,
		consumer: consumer,
	}
}

// Start accepts connections until ctx is cancelled.
func (s *SRTServer) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("receive: srt listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *SRTServer) handleConnection(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()
	key := extractStreamKey(conn.StreamID())
	s.counters.connections.Add(1)
	s.log.Info("sender connected", "stream_key", key, "remote", conn.RemoteAddr())

	if err := readFrames(ctx, conn, key, s.consumer, &s.counters, s.log); err != nil {
		s.log.Debug("read error", "stream_key", key, "error", err)
	}
	st := s.counters.snapshot()
	s.log.Info("connection closed", "stream_key", key, "frames", st.Frames, "bytes", st.Bytes)
}

// Stats returns totals across all connections.
func (s *SRTServer) Stats() Stats {
	return s.counters.snapshot()
}
