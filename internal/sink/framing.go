package sink

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/BenWeekes/agora-video-controller/internal/media"
)

// Frame flag bits carried in the leading varint.
const (
	flagKeyFrame  = 1 << 0
	flagHasPTS    = 1 << 1
	flagTruncated = 1 << 2
)

// maxFramedPayload allows for a stamped access unit at the size cap.
const maxFramedPayload = media.MaxAccessUnitSize + 64

var errFrameTooLarge = errors.New("sink: framed payload too large")

// AppendFrame appends the stream encoding of au to dst:
// varint(flags) varint(pts) varint(len) payload.
func AppendFrame(dst []byte, au *media.AccessUnit) []byte {
	var flags uint64
	if au.IsKeyFrame {
		flags |= flagKeyFrame
	}
	if au.HasPTS {
		flags |= flagHasPTS
	}
	if au.Truncated {
		flags |= flagTruncated
	}
	var pts uint64
	if au.HasPTS && au.PTS > 0 {
		pts = uint64(au.PTS)
	}
	dst = quicvarint.Append(dst, flags)
	dst = quicvarint.Append(dst, pts)
	dst = quicvarint.Append(dst, uint64(len(au.Payload)))
	return append(dst, au.Payload...)
}

// ReadFrame decodes one framed access unit from r. It returns io.EOF only
// when r ends cleanly on a frame boundary.
func ReadFrame(r quicvarint.Reader) (*media.AccessUnit, error) {
	flags, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	pts, err := quicvarint.Read(r)
	if err != nil {
		return nil, unexpected(err)
	}
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, unexpected(err)
	}
	if n > maxFramedPayload {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)
	}
	au := &media.AccessUnit{
		IsKeyFrame: flags&flagKeyFrame != 0,
		HasPTS:     flags&flagHasPTS != 0,
		Truncated:  flags&flagTruncated != 0,
		PTS:        int64(pts),
		Payload:    make([]byte, n),
	}
	if _, err := io.ReadFull(r, au.Payload); err != nil {
		return nil, unexpected(err)
	}
	return au, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
