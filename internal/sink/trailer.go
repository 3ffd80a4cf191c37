package sink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
)

// trailerMagic terminates every stamped payload.
const trailerMagic = "AgoraWrc"

// ErrNoTrailer is returned by ParseTrailer when the buffer does not end
// with a well-formed trailer.
var ErrNoTrailer = errors.New("sink: no timestamp trailer")

// AppendTrailer appends payload followed by the trailer
// ascii(ms) | uint32be(len(ascii)) | "AgoraWrc" to dst.
func AppendTrailer(dst, payload []byte, ms int64) []byte {
	dst = append(dst, payload...)
	start := len(dst)
	dst = strconv.AppendInt(dst, ms, 10)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(dst)-start))
	return append(dst, trailerMagic...)
}

// ParseTrailer splits a stamped buffer into the original payload and the
// millisecond timestamp.
func ParseTrailer(b []byte) ([]byte, int64, error) {
	if len(b) < len(trailerMagic)+4 || !bytes.HasSuffix(b, []byte(trailerMagic)) {
		return nil, 0, ErrNoTrailer
	}
	end := len(b) - len(trailerMagic) - 4
	n := int(binary.BigEndian.Uint32(b[end:]))
	if n == 0 || n > end {
		return nil, 0, ErrNoTrailer
	}
	ms, err := strconv.ParseInt(string(b[end-n:end]), 10, 64)
	if err != nil {
		return nil, 0, ErrNoTrailer
	}
	return b[:end-n], ms, nil
}
