// Package media defines the frame type that flows from the demuxer through
// the playlist manager and sender loop into a frame sink.
package media

// MaxAccessUnitSize caps the bytes collected for one access unit. Larger
// units are truncated to this size and flagged.
const MaxAccessUnitSize = 1 << 20

// AccessUnit is one H.264 coded picture extracted from a PES payload, in
// Annex B format. Payload is owned by the holder: it never aliases mapped
// segment memory or demuxer scratch space.
type AccessUnit struct {
	IsKeyFrame bool
	Payload    []byte
	PTS        int64 // 90 kHz, valid when HasPTS
	HasPTS     bool
	Truncated  bool // collection stopped at MaxAccessUnitSize
}

// Len returns the payload length in bytes.
func (au *AccessUnit) Len() int {
	return len(au.Payload)
}
