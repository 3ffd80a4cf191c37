package mpegts

import (
	"errors"
	"fmt"
)

// ErrNoH264Stream is returned when no program in the stream carries an
// H.264 elementary stream.
var ErrNoH264Stream = errors.New("mpegts: no H.264 stream found")

// Discovery describes how the video PID was found.
type Discovery struct {
	PID uint16
	// Unverified is set when the PAT or PMT used failed its CRC because no
	// intact copy was present in the stream.
	Unverified bool
}

// DiscoverVideoPID scans data for the first valid PAT, then visits its
// programs in order and returns the PID of the first H.264 elementary
// stream listed in a program's PMT.
func DiscoverVideoPID(data []byte) (uint16, error) {
	d, err := Discover(data)
	return d.PID, err
}

// Discover is DiscoverVideoPID with diagnostics. Sections with an intact
// CRC are preferred; when a table has no such copy, the first well formed
// one is used and the result is marked Unverified.
func Discover(data []byte) (Discovery, error) {
	pat, patOK := findSection(data, pidPAT, parsePATSection)
	if pat == nil {
		return Discovery{}, fmt.Errorf("%w: no valid PAT", ErrNoH264Stream)
	}

	for _, prog := range pat.Programs {
		pmt, pmtOK := findSection(data, prog.ProgramMapID, func(section []byte) (*PMTData, error) {
			p, err := parsePMTSection(section)
			if p != nil && p.ProgramNumber != prog.ProgramNumber {
				return nil, errors.New("mpegts: PMT for another program")
			}
			return p, err
		})
		if pmt == nil {
			continue
		}
		if pid, ok := pmt.FirstH264(); ok {
			return Discovery{PID: pid, Unverified: !patOK || !pmtOK}, nil
		}
	}
	return Discovery{}, ErrNoH264Stream
}

// findSection returns the first section on pid that parse accepts with an
// intact CRC, reporting ok. Failing that, it returns the first section that
// decoded but failed only its CRC, with ok false.
func findSection[T any](data []byte, pid uint16, parse func([]byte) (*T, error)) (v *T, ok bool) {
	var fallback *T
	scanSections(data, pid, func(section []byte) bool {
		p, err := parse(section)
		switch {
		case err == nil:
			v = p
			return true
		case p != nil && fallback == nil && errors.Is(err, errCRCMismatch):
			fallback = p
		}
		return false
	})
	if v != nil {
		return v, true
	}
	return fallback, false
}

// scanSections walks every packet on pid from the start of data and calls fn
// with each complete section until fn returns true.
func scanSections(data []byte, pid uint16, fn func(section []byte) bool) {
	var asm sectionAssembler
	for off := 0; off+PacketSize <= len(data); off += PacketSize {
		pkt := data[off : off+PacketSize]
		if pkt[0] != syncByte {
			continue
		}
		h := parseHeader(pkt)
		if h.PID != pid || h.TransportErrorIndicator {
			continue
		}
		payload, ok := packetPayload(pkt, h)
		if !ok || len(payload) == 0 {
			continue
		}
		if section := asm.add(h, payload); section != nil && fn(section) {
			return
		}
	}
}
