package h264

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// NALUnit is a NAL unit located in an Annex B byte stream.
type NALUnit struct {
	Type byte   // 5-bit nal_unit_type
	Data []byte // NAL header byte and payload, without start code
}

// NALType extracts nal_unit_type from a NAL header byte.
func NALType(header byte) byte {
	return header & 0x1F
}

// IsKeyframe reports whether the NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// HasIDR scans data for 3-byte (00 00 01) and 4-byte (00 00 00 01) start
// codes and reports whether any of them introduces an IDR slice. A 4-byte
// match moves the scan past its extra zero byte so the same start code is
// never examined twice.
func HasIDR(data []byte) bool {
	n := len(data)
	for i := 0; i+3 < n; i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		switch {
		case data[i+2] == 1:
			if IsKeyframe(NALType(data[i+3])) {
				return true
			}
			i += 2
		case data[i+2] == 0 && i+4 < n && data[i+3] == 1:
			if IsKeyframe(NALType(data[i+4])) {
				return true
			}
			i += 3
		}
	}
	return false
}

// ParseAnnexB splits an Annex B byte stream into NAL units. Both 3-byte and
// 4-byte start codes are recognized; bytes before the first start code are
// ignored.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: NALType(nal[0]), Data: nal})
	}
	return units
}

// CountIDR returns the number of IDR NAL units in an Annex B byte stream.
func CountIDR(data []byte) int {
	count := 0
	for _, u := range ParseAnnexB(data) {
		if IsKeyframe(u.Type) {
			count++
		}
	}
	return count
}
