// Package tstest builds synthetic MPEG-TS streams carrying H.264 access units
// for tests. Streams are byte-exact: payloads that do not fill a packet are
// padded with adaptation-field stuffing, never with trailing payload bytes.
package tstest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// PacketSize is the fixed size of an MPEG-TS packet.
const PacketSize = 188

const (
	syncByte      = 0x47
	maxPayload    = PacketSize - 4
	streamIDVideo = 0xE0

	StreamTypeH264 = 0x1B
	StreamTypeAAC  = 0x0F
)

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	Type uint8
	PID  uint16
}

// Builder appends packets to an in-memory transport stream, tracking
// continuity counters per PID.
type Builder struct {
	VideoPID uint16
	PMTPID   uint16
	Program  uint16

	buf bytes.Buffer
	cc  map[uint16]uint8
}

// NewBuilder returns a Builder using video PID 0x100 and PMT PID 0x1000.
func NewBuilder() *Builder {
	return &Builder{
		VideoPID: 0x100,
		PMTPID:   0x1000,
		Program:  1,
		cc:       make(map[uint16]uint8),
	}
}

func (b *Builder) nextCC(pid uint16) uint8 {
	cc := b.cc[pid]
	b.cc[pid] = (cc + 1) & 0x0F
	return cc
}

// WritePAT writes a PAT announcing the builder's program.
func (b *Builder) WritePAT() *Builder {
	section := PATSection(1, []Program{{Number: b.Program, PMTPID: b.PMTPID}})
	b.WriteSection(0x0000, section)
	return b
}

// WritePMT writes a PMT for the builder's program. With no arguments the
// PMT lists a single H.264 stream on VideoPID.
func (b *Builder) WritePMT(streams ...ElementaryStream) *Builder {
	if len(streams) == 0 {
		streams = []ElementaryStream{{Type: StreamTypeH264, PID: b.VideoPID}}
	}
	b.WriteSection(b.PMTPID, PMTSection(b.Program, b.VideoPID, streams))
	return b
}

// WriteHeaders writes a PAT followed by the default PMT.
func (b *Builder) WriteHeaders() *Builder {
	return b.WritePAT().WritePMT()
}

// WriteSection writes a PSI section (pointer field prepended) on pid,
// spreading it over as many packets as needed.
func (b *Builder) WriteSection(pid uint16, section []byte) {
	payload := append([]byte{0x00}, section...)
	b.writePayload(pid, payload)
}

// WriteAccessUnit wraps es in a video PES packet and writes it on VideoPID.
func (b *Builder) WriteAccessUnit(es []byte, pts int64) *Builder {
	b.writePayload(b.VideoPID, PESPacket(streamIDVideo, pts, true, es))
	return b
}

// WriteRaw appends pkt verbatim.
func (b *Builder) WriteRaw(pkt []byte) *Builder {
	b.buf.Write(pkt)
	return b
}

func (b *Builder) writePayload(pid uint16, payload []byte) {
	first := true
	for len(payload) > 0 {
		n := len(payload)
		if n > maxPayload {
			n = maxPayload
		}
		b.buf.Write(Packet(pid, b.nextCC(pid), first, payload[:n]))
		payload = payload[n:]
		first = false
	}
}

// Bytes returns the stream built so far.
func (b *Builder) Bytes() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// Packet builds one 188-byte packet. Payloads shorter than 184 bytes are
// right-aligned behind adaptation-field stuffing.
func Packet(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)

	if len(payload) == maxPayload {
		buf[3] = 0x10 | (cc & 0x0F)
		copy(buf[4:], payload)
		return buf
	}

	buf[3] = 0x30 | (cc & 0x0F)
	afLen := maxPayload - len(payload) - 1
	buf[4] = byte(afLen)
	if afLen > 0 {
		buf[5] = 0x00 // no AF flags
		for i := 6; i < 5+afLen; i++ {
			buf[i] = 0xFF
		}
	}
	copy(buf[5+afLen:], payload)
	return buf
}

// encodePTS encodes a 33-bit PTS/DTS value into 5 bytes with marker bits.
func encodePTS(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

// PESPacket builds a PES packet. Video stream IDs use an unbounded length.
func PESPacket(streamID byte, pts int64, hasPTS bool, data []byte) []byte {
	var optHeader []byte
	var flags byte
	if hasPTS {
		flags = 2 << 6
		optHeader = encodePTS(0x02, pts)
	}

	packetLength := 3 + len(optHeader) + len(data)
	if streamID&0xF0 == 0xE0 || packetLength > 0xFFFF {
		packetLength = 0
	}

	buf := make([]byte, 0, 9+len(optHeader)+len(data))
	buf = append(buf, 0x00, 0x00, 0x01, streamID)
	buf = append(buf, byte(packetLength>>8), byte(packetLength))
	buf = append(buf, 0x80, flags, byte(len(optHeader)))
	buf = append(buf, optHeader...)
	buf = append(buf, data...)
	return buf
}

// Program is one PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PATSection builds a PAT section with a valid CRC32.
func PATSection(tsID uint16, programs []Program) []byte {
	sectionLength := 5 + len(programs)*4 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x00
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.Number >> 8)
		data[offset+1] = byte(p.Number)
		data[offset+2] = 0xE0 | byte(p.PMTPID>>8)&0x1F
		data[offset+3] = byte(p.PMTPID)
		offset += 4
	}
	binary.BigEndian.PutUint32(data[offset:], CRC32(data[:offset]))
	return data
}

// PMTSection builds a PMT section with a valid CRC32.
func PMTSection(program, pcrPID uint16, streams []ElementaryStream) []byte {
	sectionLength := 9 + len(streams)*5 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x02
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(program >> 8)
	data[4] = byte(program)
	data[5] = 0xC1
	data[6] = 0x00
	data[7] = 0x00
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0
	data[11] = 0x00

	offset := 12
	for _, s := range streams {
		data[offset] = s.Type
		data[offset+1] = 0xE0 | byte(s.PID>>8)&0x1F
		data[offset+2] = byte(s.PID)
		data[offset+3] = 0xF0
		data[offset+4] = 0x00
		offset += 5
	}
	binary.BigEndian.PutUint32(data[offset:], CRC32(data[:offset]))
	return data
}

var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC32 used by PSI sections.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// IDRFrame returns an Annex B access unit of exactly size bytes (minimum 8)
// containing an AUD and an IDR slice.
func IDRFrame(size int) []byte {
	return frame(size, 0x65)
}

// SliceFrame returns an Annex B access unit of exactly size bytes (minimum
// 8) containing an AUD and a non-IDR slice.
func SliceFrame(size int) []byte {
	return frame(size, 0x41)
}

func frame(size int, nalHeader byte) []byte {
	if size < 8 {
		size = 8
	}
	out := make([]byte, 0, size)
	out = append(out, 0x00, 0x00, 0x00, 0x01, 0x09, 0xF0) // AUD
	out = append(out, 0x00, 0x00, 0x01, nalHeader)
	for len(out) < size {
		out = append(out, 0xAB)
	}
	return out[:size]
}

// Stream builds a complete stream (PAT, PMT, then each frame as one PES)
// with PTS advancing by 3000 ticks per frame.
func Stream(frames ...[]byte) []byte {
	b := NewBuilder().WriteHeaders()
	for i, f := range frames {
		b.WriteAccessUnit(f, 90000+int64(i)*3000)
	}
	return b.Bytes()
}

// GOP returns n frames: an IDR followed by n-1 slices, each size bytes.
func GOP(n, size int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		if i == 0 {
			frames[i] = IDRFrame(size)
		} else {
			frames[i] = SliceFrame(size)
		}
	}
	return frames
}

// WriteFile writes data under dir and returns the full path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}
