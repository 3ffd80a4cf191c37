package mpegts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/BenWeekes/agora-video-controller/internal/h264"
	"github.com/BenWeekes/agora-video-controller/internal/media"
)

// maxDesync is the number of consecutive packets without a sync byte after
// which the rest of the segment is abandoned.
const maxDesync = 128

// ErrEmptyFile is returned when a segment file has no content.
var ErrEmptyFile = errors.New("mpegts: empty file")

// Demuxer extracts access units from the H.264 elementary stream of one
// segment. It is not safe for concurrent use; the playback manager
// serializes access to it.
type Demuxer struct {
	log      *slog.Logger
	path     string
	data     []byte
	release  func() error
	offset   int
	videoPID uint16
	scratch  []byte

	packets   atomic.Int64
	desync    atomic.Int64
	invalid   atomic.Int64
	truncated atomic.Int64
	emitted   atomic.Int64
	loops     atomic.Int64
}

// Open memory-maps the segment at path and resolves its video PID. The
// returned Demuxer must be closed to release the mapping.
func Open(path string, log *slog.Logger) (*Demuxer, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("mpegts: open %s: %w", path, err)
	}
	if log == nil {
		log = slog.Default()
	}
	d, err := NewDemuxer(data, log.With("segment", path))
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.path = path
	d.release = release
	return d, nil
}

// NewDemuxer creates a Demuxer over an in-memory stream. data is read but
// never modified. If log is nil, slog.Default() is used.
func NewDemuxer(data []byte, log *slog.Logger) (*Demuxer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	disc, err := Discover(data)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:      log.With("component", "mpegts"),
		data:     data,
		videoPID: disc.PID,
		scratch:  make([]byte, 0, 64<<10),
	}
	if disc.Unverified {
		d.log.Warn("no PAT/PMT with a valid CRC, using a damaged copy", "pid", disc.PID)
	}
	d.log.Debug("found H.264 stream", "pid", disc.PID)
	return d, nil
}

// VideoPID returns the PID of the H.264 elementary stream.
func (d *Demuxer) VideoPID() uint16 { return d.videoPID }

// Path returns the file backing the demuxer, or "" for in-memory data.
func (d *Demuxer) Path() string { return d.path }

// ReadAccessUnit returns the next access unit. At the end of data, with
// nothing collected, it rewinds the cursor to the start and returns io.EOF
// so the next call loops. The returned payload is owned by the caller.
func (d *Demuxer) ReadAccessUnit() (*media.AccessUnit, error) {
	var (
		au        = d.scratch[:0]
		started   bool
		key       bool
		truncated bool
		hdr       pesHeader
		desync    int
		n         = len(d.data)
	)

	for ; d.offset+PacketSize <= n; d.offset += PacketSize {
		pkt := d.data[d.offset : d.offset+PacketSize]
		d.packets.Add(1)

		if pkt[0] != syncByte {
			d.desync.Add(1)
			if desync++; desync >= maxDesync {
				d.log.Warn("transport stream desynchronized, abandoning segment", "offset", d.offset)
				d.offset = n
				break
			}
			continue
		}
		desync = 0

		h := parseHeader(pkt)
		if h.PID != d.videoPID {
			continue
		}
		payload, ok := packetPayload(pkt, h)
		if !ok {
			d.invalid.Add(1)
			continue
		}
		if len(payload) == 0 {
			continue
		}

		if h.PayloadUnitStartIndicator {
			if started && len(au) > 0 {
				break // previous unit complete; resume here next call
			}
			ph, ok := parsePESHeader(payload)
			if !ok {
				d.invalid.Add(1)
				started = false
				continue
			}
			started = true
			hdr = ph
			payload = payload[ph.length:]
		} else if !started {
			continue // orphan continuation
		}

		if len(au)+len(payload) > media.MaxAccessUnitSize {
			payload = payload[:media.MaxAccessUnitSize-len(au)]
			truncated = true
		}
		prev := len(au)
		au = append(au, payload...)
		if !key {
			key = h264.HasIDR(au[max(0, prev-4):])
		}
		if truncated {
			d.truncated.Add(1)
			d.log.Warn("access unit exceeds scratch capacity, truncated",
				"limit", media.MaxAccessUnitSize, "offset", d.offset)
			d.offset += PacketSize
			break
		}
	}

	d.scratch = au[:0]
	if len(au) == 0 {
		d.offset = 0
		d.loops.Add(1)
		return nil, io.EOF
	}

	d.emitted.Add(1)
	return &media.AccessUnit{
		IsKeyFrame: key,
		Payload:    bytes.Clone(au),
		PTS:        hdr.pts,
		HasPTS:     hdr.hasPTS,
		Truncated:  truncated,
	}, nil
}

// Rewind moves the cursor back to the first packet.
func (d *Demuxer) Rewind() {
	d.offset = 0
}

// Stats returns a snapshot of the diagnostic counters.
func (d *Demuxer) Stats() Stats {
	return Stats{
		PacketsScanned: d.packets.Load(),
		DesyncPackets:  d.desync.Load(),
		InvalidPackets: d.invalid.Load(),
		TruncatedUnits: d.truncated.Load(),
		UnitsEmitted:   d.emitted.Load(),
		Loops:          d.loops.Load(),
	}
}

// Close releases the segment mapping. Further reads return io.EOF.
func (d *Demuxer) Close() error {
	d.data = nil
	d.offset = 0
	if d.release == nil {
		return nil
	}
	release := d.release
	d.release = nil
	return release()
}
