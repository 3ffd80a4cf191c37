package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/BenWeekes/agora-video-controller/internal/media"
	"github.com/BenWeekes/agora-video-controller/internal/pacer"
)

const (
	// DefaultMTU keeps RTP packets clear of typical tunnel overhead.
	DefaultMTU = 1200
	// DefaultPayloadType is the dynamic payload type advertised for H.264.
	DefaultPayloadType = 96

	videoClockRate = 90000

	// maxPTSStep bounds the PTS delta trusted as the gap between frames.
	// Larger or backward deltas are discontinuities.
	maxPTSStep = videoClockRate
	ptsMask    = 1<<33 - 1
)

// RTPWriter accepts RTP packets. *webrtc.TrackLocalStaticRTP satisfies it.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// RTPConfig configures packetization.
type RTPConfig struct {
	MTU         int
	PayloadType uint8
	SSRC        uint32
}

// RTPSink packetizes access units per RFC 6184 and writes them to an
// RTPWriter. The RTP clock starts at the first PTS and only moves forward:
// it advances by the PTS delta between consecutive frames, or by one frame
// interval at the nominal rate when there is no PTS or the PTS jumps, as it
// does when a file loops or the source is switched.
type RTPSink struct {
	log        *slog.Logger
	w          RTPWriter
	closer     io.Closer
	packetizer rtp.Packetizer

	mu      sync.Mutex
	started bool
	clock   uint32
	lastPTS int64
	hasLast bool
	closed  bool

	packets atomic.Int64
}

// NewRTPSink creates a sink writing to w.
func NewRTPSink(w RTPWriter, cfg RTPConfig, log *slog.Logger) *RTPSink {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	return &RTPSink{
		log: log.With("component", "rtp-sink"),
		w:   w,
		packetizer: rtp.NewPacketizer(uint16(cfg.MTU), cfg.PayloadType, cfg.SSRC,
			&codecs.H264Payloader{}, rtp.NewRandomSequencer(), videoClockRate),
	}
}

// DialRTP creates a sink sending RTP over UDP to addr.
func DialRTP(addr string, cfg RTPConfig, log *slog.Logger) (*RTPSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("sink: dial rtp %s: %w", addr, err)
	}
	s := NewRTPSink(&udpWriter{conn: conn}, cfg, log)
	s.closer = conn
	s.log.Info("rtp output ready", "addr", addr)
	return s, nil
}

// WriteFrame packetizes au and writes every packet. All packets of one
// access unit share a timestamp and the last one carries the marker bit.
func (s *RTPSink) WriteFrame(_ context.Context, au *media.AccessUnit, frameRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	ts := s.timestamp(au, frameRate)
	for _, p := range s.packetizer.Packetize(au.Payload, 0) {
		p.Timestamp = ts
		if err := s.w.WriteRTP(p); err != nil {
			return fmt.Errorf("sink: write rtp: %w", err)
		}
		s.packets.Add(1)
	}
	return nil
}

// timestamp advances the RTP clock for au and returns it. Callers hold mu.
func (s *RTPSink) timestamp(au *media.AccessUnit, frameRate int) uint32 {
	defer func() {
		s.lastPTS, s.hasLast = au.PTS, au.HasPTS
	}()
	if !s.started {
		s.started = true
		if au.HasPTS {
			s.clock = uint32(au.PTS)
		}
		return s.clock
	}

	if au.HasPTS && s.hasLast {
		// PTS is 33 bits and may wrap.
		if d := (au.PTS - s.lastPTS) & ptsMask; d > 0 && d < maxPTSStep {
			s.clock += uint32(d)
			return s.clock
		}
	}
	if frameRate <= 0 {
		frameRate = pacer.DefaultFrameRate
	}
	s.clock += uint32(videoClockRate / frameRate)
	return s.clock
}

// Packets reports the number of RTP packets written.
func (s *RTPSink) Packets() int64 {
	return s.packets.Load()
}

// Close releases the UDP socket, if any. Further writes fail.
func (s *RTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

type udpWriter struct {
	conn net.Conn
	buf  []byte
}

func (u *udpWriter) WriteRTP(p *rtp.Packet) error {
	n := p.MarshalSize()
	if cap(u.buf) < n {
		u.buf = make([]byte, n)
	}
	n, err := p.MarshalTo(u.buf[:n])
	if err != nil {
		return err
	}
	_, err = u.conn.Write(u.buf[:n])
	return err
}
