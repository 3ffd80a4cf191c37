// Package receive accepts framed access units sent by the SRT and QUIC
// sinks and hands them to a consumer. It backs the tsrecv verification
// tool.
package receive

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/BenWeekes/agora-video-controller/internal/media"
	"github.com/BenWeekes/agora-video-controller/internal/sink"
)

// readBufferSize holds ten SRT live payloads.
const readBufferSize = 1316 * 10

// Consumer receives decoded access units. Implementations must be safe for
// concurrent use when more than one sender is connected.
type Consumer interface {
	WriteFrame(ctx context.Context, au *media.AccessUnit, frameRate int) error
}

// Stats is a snapshot of receive counters across all connections.
type Stats struct {
	Connections int64 `json:"connections"`
	Frames      int64 `json:"frames"`
	KeyFrames   int64 `json:"key_frames"`
	Bytes       int64 `json:"bytes"`
}

type counters struct {
	connections atomic.Int64
	frames      atomic.Int64
	keyFrames   atomic.Int64
	bytes       atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Connections: c.connections.Load(),
		Frames:      c.frames.Load(),
		KeyFrames:   c.keyFrames.Load(),
		Bytes:       c.bytes.Load(),
	}
}

// readFrames decodes frames from r until it ends or ctx is cancelled. A
// clean end of stream returns nil.
func readFrames(ctx context.Context, r io.Reader, key string, consumer Consumer, c *counters, log *slog.Logger) error {
	br := bufio.NewReaderSize(r, readBufferSize)
	for ctx.Err() == nil {
		au, err := sink.ReadFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		c.frames.Add(1)
		c.bytes.Add(int64(au.Len()))
		if au.IsKeyFrame {
			c.keyFrames.Add(1)
		}
		if err := consumer.WriteFrame(ctx, au, 0); err != nil {
			log.Debug("consumer write failed", "stream_key", key, "error", err)
		}
	}
	return nil
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
