// Package mpegts extracts H.264 access units from memory-mapped MPEG-TS
// segments. A Demuxer resolves the video PID once from the PAT and PMT, then
// walks the packets from a persistent cursor, reassembling one PES payload
// per call. Malformed input is skipped and counted rather than reported as
// an error, and reaching the end of data rewinds the cursor so single-file
// sources loop.
package mpegts

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	TransportStreamID uint16
	Programs          []PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramNumber uint16
	ProgramMapID  uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// FirstH264 returns the PID of the first H.264 elementary stream.
func (p *PMTData) FirstH264() (uint16, bool) {
	for _, es := range p.ElementaryStreams {
		if es.StreamType == StreamTypeH264 {
			return es.ElementaryPID, true
		}
	}
	return 0, false
}

// Stats is a snapshot of a Demuxer's diagnostic counters.
type Stats struct {
	PacketsScanned int64 `json:"packets_scanned"`
	DesyncPackets  int64 `json:"desync_packets"`
	InvalidPackets int64 `json:"invalid_packets"`
	TruncatedUnits int64 `json:"truncated_units"`
	UnitsEmitted   int64 `json:"units_emitted"`
	Loops          int64 `json:"loops"`
}
