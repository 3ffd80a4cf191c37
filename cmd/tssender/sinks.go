package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BenWeekes/agora-video-controller/internal/command"
	"github.com/BenWeekes/agora-video-controller/internal/config"
	"github.com/BenWeekes/agora-video-controller/internal/sink"
)

// openSink builds the configured sink. The returned Signaler is non-nil
// only for the WebRTC sink, whose peers negotiate over the control
// WebSocket.
func openSink(ctx context.Context, cfg *config.Config, log *slog.Logger) (sink.Sink, command.Signaler, error) {
	var (
		out      sink.Sink
		signaler command.Signaler
		err      error
	)
	if cfg.TimestampTrailer && !cfg.Sink.CarriesTrailer() {
		return nil, nil, fmt.Errorf("timestamp trailer is not supported by the %s sink", cfg.Sink.Type)
	}
	rtpCfg := sink.RTPConfig{MTU: cfg.Sink.MTU, PayloadType: uint8(cfg.Sink.PayloadType)}

	switch cfg.Sink.Type {
	case config.SinkRTP:
		out, err = sink.DialRTP(cfg.Sink.Address, rtpCfg, log)
	case config.SinkWebRTC:
		var pub *sink.WebRTCPublisher
		pub, err = sink.NewWebRTCPublisher(sink.WebRTCConfig{
			ICEServers: cfg.Sink.ICEServers,
			StreamID:   cfg.Sink.StreamID,
		}, log)
		out, signaler = pub, pub
	case config.SinkSRT:
		out, err = sink.DialSRT(ctx, sink.SRTConfig{
			Address:  cfg.Sink.Address,
			StreamID: cfg.Sink.StreamID,
		}, log)
	case config.SinkQUIC:
		out, err = sink.DialQUIC(ctx, sink.QUICConfig{
			Address:     cfg.Sink.Address,
			Fingerprint: cfg.Sink.Fingerprint,
			ServerName:  cfg.Sink.ServerName,
		}, log)
	case config.SinkFile:
		out, err = sink.CreateFile(cfg.Sink.Path)
	default:
		err = fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.TimestampTrailer {
		out = sink.WithTimestampTrailer(out)
	}
	return out, signaler, nil
}
