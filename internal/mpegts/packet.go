package mpegts

const (
	// PacketSize is the fixed size of a transport stream packet.
	PacketSize = 188
	syncByte   = 0x47

	pidPAT = 0x0000

	// StreamTypeH264 is the PMT stream type for AVC video.
	StreamTypeH264 = 0x1B

	// maxAdaptationFieldLen is the largest adaptation field (including its
	// length byte) that still leaves room in the packet.
	maxAdaptationFieldLen = 183
)

// parseHeader decodes the 4-byte packet header. buf must hold at least
// PacketSize bytes starting with the sync byte.
func parseHeader(buf []byte) PacketHeader {
	return PacketHeader{
		TransportErrorIndicator:   buf[1]&0x80 != 0,
		PayloadUnitStartIndicator: buf[1]&0x40 != 0,
		PID:                       uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		HasAdaptationField:        buf[3]&0x20 != 0,
		HasPayload:                buf[3]&0x10 != 0,
		ContinuityCounter:         buf[3] & 0x0F,
	}
}

// packetPayload returns the payload of pkt as a sub-slice (no copy). ok is
// false when the adaptation field length is out of range.
func packetPayload(pkt []byte, h PacketHeader) (payload []byte, ok bool) {
	offset := 4
	if h.HasAdaptationField {
		afLen := int(pkt[4]) + 1
		if afLen > maxAdaptationFieldLen {
			return nil, false
		}
		offset += afLen
	}
	if !h.HasPayload || offset >= PacketSize {
		return nil, true
	}
	return pkt[offset:PacketSize], true
}
