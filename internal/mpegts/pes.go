package mpegts

// pesHeader describes the PES header at the start of a unit.
type pesHeader struct {
	length int
	pts    int64
	hasPTS bool
}

// parsePESHeader validates the PES header carried by a unit start payload.
// ok is false when the start code is missing or the declared header length
// runs past the payload.
func parsePESHeader(payload []byte) (h pesHeader, ok bool) {
	if len(payload) < 9 {
		return h, false
	}
	if payload[0] != 0x00 || payload[1] != 0x00 || payload[2] != 0x01 {
		return h, false
	}
	h.length = 9 + int(payload[8])
	if h.length > len(payload) {
		return h, false
	}
	// PTS_DTS_flags '10' or '11'
	if payload[7]&0x80 != 0 && h.length >= 14 {
		h.pts = parsePTSOrDTS(payload[9:14])
		h.hasPTS = true
	}
	return h, true
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) int64 {
	return int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
}
