package mpegts

import (
	"testing"

	"github.com/BenWeekes/agora-video-controller/internal/tstest"
)

func TestParseHeader(t *testing.T) {
	t.Parallel()
	pkt := tstest.Packet(0x1ABC, 7, true, make([]byte, 184))
	h := parseHeader(pkt)

	if h.PID != 0x1ABC {
		t.Errorf("PID = 0x%X, want 0x1ABC", h.PID)
	}
	if !h.PayloadUnitStartIndicator {
		t.Error("PayloadUnitStartIndicator = false, want true")
	}
	if h.ContinuityCounter != 7 {
		t.Errorf("ContinuityCounter = %d, want 7", h.ContinuityCounter)
	}
	if h.HasAdaptationField {
		t.Error("HasAdaptationField = true, want false")
	}
	if !h.HasPayload {
		t.Error("HasPayload = false, want true")
	}
}

func TestPacketPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pkt     func() []byte
		wantLen int
		wantOK  bool
	}{
		{
			name:    "full payload",
			pkt:     func() []byte { return tstest.Packet(0x100, 0, false, make([]byte, 184)) },
			wantLen: 184,
			wantOK:  true,
		},
		{
			name:    "stuffed payload",
			pkt:     func() []byte { return tstest.Packet(0x100, 0, false, []byte{1, 2, 3}) },
			wantLen: 3,
			wantOK:  true,
		},
		{
			name:    "zero length adaptation field",
			pkt:     func() []byte { return tstest.Packet(0x100, 0, false, make([]byte, 183)) },
			wantLen: 183,
			wantOK:  true,
		},
		{
			name: "adaptation field too long",
			pkt: func() []byte {
				p := tstest.Packet(0x100, 0, false, []byte{1})
				p[4] = 183
				return p
			},
			wantOK: false,
		},
		{
			name: "adaptation only",
			pkt: func() []byte {
				p := tstest.Packet(0x100, 0, false, []byte{1})
				p[3] = 0x20
				return p
			},
			wantLen: 0,
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pkt := tt.pkt()
			payload, ok := packetPayload(pkt, parseHeader(pkt))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if len(payload) != tt.wantLen {
				t.Errorf("payload len = %d, want %d", len(payload), tt.wantLen)
			}
		})
	}
}

func FuzzPacketPayload(f *testing.F) {
	f.Add(tstest.Packet(0x100, 0, true, []byte{0, 0, 1, 0xE0}))
	f.Add(tstest.Packet(0x000, 3, false, make([]byte, 184)))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PacketSize {
			return
		}
		payload, ok := packetPayload(data, parseHeader(data)) // must not panic
		if ok && len(payload) > PacketSize-4 {
			t.Fatalf("payload len %d exceeds packet", len(payload))
		}
	})
}
