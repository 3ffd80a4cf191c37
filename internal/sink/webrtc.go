package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/BenWeekes/agora-video-controller/internal/media"
)

// h264Capability is constrained baseline, packetization mode 1.
var h264Capability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeH264,
	ClockRate:   videoClockRate,
	SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
}

// WebRTCConfig configures the publisher.
type WebRTCConfig struct {
	ICEServers []string
	StreamID   string
}

// WebRTCPublisher fans one H.264 track out to every connected peer. Peers
// join by sending an SDP offer through HandleOffer.
type WebRTCPublisher struct {
	log    *slog.Logger
	config webrtc.Configuration
	track  *webrtc.TrackLocalStaticRTP
	rtp    *RTPSink

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	closed bool
}

// NewWebRTCPublisher creates the shared track. No peer is connected until
// the first offer arrives.
func NewWebRTCPublisher(cfg WebRTCConfig, log *slog.Logger) (*WebRTCPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "tssender"
	}
	track, err := webrtc.NewTrackLocalStaticRTP(h264Capability, "video", cfg.StreamID)
	if err != nil {
		return nil, fmt.Errorf("sink: create webrtc track: %w", err)
	}

	var rtcCfg webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &WebRTCPublisher{
		log:    log.With("component", "webrtc"),
		config: rtcCfg,
		track:  track,
		rtp:    NewRTPSink(track, RTPConfig{}, log),
		peers:  make(map[string]*webrtc.PeerConnection),
	}, nil
}

// WriteFrame packetizes au onto the shared track. Writing with no peers
// connected is not an error.
func (p *WebRTCPublisher) WriteFrame(ctx context.Context, au *media.AccessUnit, frameRate int) error {
	return p.rtp.WriteFrame(ctx, au, frameRate)
}

// HandleOffer creates a peer connection for offerSDP, attaches the track and
// returns the answer once ICE gathering completes.
func (p *WebRTCPublisher) HandleOffer(ctx context.Context, offerSDP string) (string, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	pc, err := webrtc.NewPeerConnection(p.config)
	if err != nil {
		return "", fmt.Errorf("sink: new peer connection: %w", err)
	}
	answer, err := p.negotiate(ctx, pc, offerSDP)
	if err != nil {
		pc.Close()
		return "", err
	}

	id := uuid.NewString()
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer state", "peer", id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.removePeer(id)
		}
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.Close()
		return "", ErrClosed
	}
	p.peers[id] = pc
	n := len(p.peers)
	p.mu.Unlock()

	p.log.Info("peer added", "peer", id, "peers", n)
	return answer, nil
}

func (p *WebRTCPublisher) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	sender, err := pc.AddTrack(p.track)
	if err != nil {
		return "", fmt.Errorf("sink: add track: %w", err)
	}
	go drainRTCP(sender)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("sink: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("sink: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("sink: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// drainRTCP reads until the sender stops so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *WebRTCPublisher) removePeer(id string) {
	p.mu.Lock()
	pc, ok := p.peers[id]
	delete(p.peers, id)
	n := len(p.peers)
	p.mu.Unlock()
	if !ok {
		return
	}
	go pc.Close()
	p.log.Info("peer removed", "peer", id, "peers", n)
}

// Peers reports the number of connected peers.
func (p *WebRTCPublisher) Peers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Close disconnects every peer and stops accepting offers.
func (p *WebRTCPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	peers := p.peers
	p.peers = make(map[string]*webrtc.PeerConnection)
	p.mu.Unlock()

	var errs []error
	for _, pc := range peers {
		errs = append(errs, pc.Close())
	}
	errs = append(errs, p.rtp.Close())
	return errors.Join(errs...)
}
