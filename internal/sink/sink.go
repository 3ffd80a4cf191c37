// Package sink delivers paced access units to their destination: an RTP
// stream over UDP, WebRTC peers, an SRT or QUIC connection, or a local
// Annex-B file.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/BenWeekes/agora-video-controller/internal/media"
)

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("sink: closed")

// Sink accepts access units in presentation order.
type Sink interface {
	WriteFrame(ctx context.Context, au *media.AccessUnit, frameRate int) error
	Close() error
}

// Stamped wraps a Sink and appends a wall-clock timestamp trailer to every
// payload before forwarding it.
type Stamped struct {
	next Sink
	now  func() time.Time
	buf  []byte
}

// WithTimestampTrailer returns next wrapped in a Stamped sink.
func WithTimestampTrailer(next Sink) *Stamped {
	return &Stamped{next: next, now: time.Now}
}

// WriteFrame appends the trailer to a copy of the payload and forwards it.
// Not safe for concurrent use.
func (s *Stamped) WriteFrame(ctx context.Context, au *media.AccessUnit, frameRate int) error {
	s.buf = AppendTrailer(s.buf[:0], au.Payload, s.now().UnixMilli())
	stamped := *au
	stamped.Payload = s.buf
	return s.next.WriteFrame(ctx, &stamped, frameRate)
}

// Close closes the wrapped sink.
func (s *Stamped) Close() error {
	return s.next.Close()
}
