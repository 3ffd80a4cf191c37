package sink

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/BenWeekes/agora-video-controller/internal/media"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	units := []*media.AccessUnit{
		{IsKeyFrame: true, HasPTS: true, PTS: 1 << 32, Payload: []byte{0, 0, 0, 1, 0x65, 1}},
		{Payload: []byte{0, 0, 1, 0x41}},
		{Truncated: true, Payload: bytes.Repeat([]byte{0xAB}, 5000)},
		{Payload: nil},
	}
	var buf []byte
	for _, au := range units {
		buf = AppendFrame(buf, au)
	}

	r := bytes.NewReader(buf)
	for i, want := range units {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.IsKeyFrame != want.IsKeyFrame || got.HasPTS != want.HasPTS ||
			got.Truncated != want.Truncated || got.PTS != want.PTS ||
			!bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := ReadFrame(r); err != io.EOF {
		t.Errorf("after last frame: err = %v, want io.EOF", err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	t.Parallel()
	full := AppendFrame(nil, &media.AccessUnit{Payload: []byte("payload")})

	oversize := quicvarint.Append(nil, 0)
	oversize = quicvarint.Append(oversize, 0)
	oversize = quicvarint.Append(oversize, maxFramedPayload+1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"header only", full[:1], io.ErrUnexpectedEOF},
		{"short payload", full[:len(full)-2], io.ErrUnexpectedEOF},
		{"oversize", oversize, errFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ReadFrame(bytes.NewReader(tt.data)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
