package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

var errIncompleteSection = errors.New("incomplete section")

// firstSection returns the first PSI section in an assembled payload that
// begins with a pointer field. It reports errIncompleteSection when more
// packets are needed.
func firstSection(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, errIncompleteSection
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, errIncompleteSection
	}
	if payload[offset] == 0xFF {
		return nil, errors.New("mpegts: PSI payload holds only stuffing")
	}
	if offset+3 > len(payload) {
		return nil, errIncompleteSection
	}
	// section_syntax_indicator must be 1 for PAT/PMT.
	if payload[offset+1]&0x80 == 0 {
		return nil, errors.New("mpegts: PSI section syntax indicator not set")
	}
	sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
	end := offset + 3 + sectionLength
	if end > len(payload) {
		return nil, errIncompleteSection
	}
	return payload[offset:end], nil
}

// parsePATSection decodes a PAT. A section that is well formed but fails its
// CRC is still decoded and returned together with an error wrapping
// errCRCMismatch.
func parsePATSection(data []byte) (*PATData, error) {
	if len(data) < 12 { // minimum: 8 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if data[0] != tableIDPAT {
		return nil, fmt.Errorf("mpegts: PAT table id 0x%02X", data[0])
	}
	// [0]      table_id
	// [1-2]    section_syntax_indicator, section_length(12)
	// [3-4]    transport_stream_id
	// [5-7]    version, section numbers
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32
	pat := &PATData{TransportStreamID: uint16(data[3])<<8 | uint16(data[4])}
	entryEnd := len(data) - 4
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if programNumber == 0 {
			continue // NIT
		}
		pat.Programs = append(pat.Programs, PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	if err := verifyCRC32(data); err != nil {
		return pat, fmt.Errorf("mpegts: PAT %w", err)
	}
	return pat, nil
}

// parsePMTSection decodes a PMT with the same CRC handling as
// parsePATSection.
func parsePMTSection(data []byte) (*PMTData, error) {
	if len(data) < 16 { // minimum: 12 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if data[0] != tableIDPMT {
		return nil, fmt.Errorf("mpegts: PMT table id 0x%02X", data[0])
	}
	// [3-4]   program_number
	// [8-9]   PCR_PID(13)
	// [10-11] program_info_length(12)
	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength
	end := len(data) - 4
	for offset+5 <= end {
		streamType := data[offset]
		elementaryPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, PMTElementaryStream{
			ElementaryPID: elementaryPID,
			StreamType:    streamType,
		})
		offset += 5 + esInfoLength
	}
	if err := verifyCRC32(data); err != nil {
		return pmt, fmt.Errorf("mpegts: PMT %w", err)
	}
	return pmt, nil
}

// sectionAssembler gathers the payloads of one PID, starting at a unit start
// packet, until a complete PSI section is available.
type sectionAssembler struct {
	buf     []byte
	started bool
	lastCC  uint8
}

// add feeds one packet. It returns the section once complete, or nil.
func (a *sectionAssembler) add(h PacketHeader, payload []byte) []byte {
	switch {
	case h.PayloadUnitStartIndicator:
		a.buf = append(a.buf[:0], payload...)
		a.started = true
	case !a.started:
		return nil
	case h.ContinuityCounter == a.lastCC:
		return nil // duplicate packet
	case h.ContinuityCounter != (a.lastCC+1)&0x0F:
		a.started = false
		return nil
	default:
		a.buf = append(a.buf, payload...)
	}
	a.lastCC = h.ContinuityCounter

	section, err := firstSection(a.buf)
	if errors.Is(err, errIncompleteSection) {
		return nil
	}
	a.started = false
	if err != nil {
		return nil
	}
	return section
}
