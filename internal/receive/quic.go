package receive

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/BenWeekes/agora-video-controller/internal/sink"
)

// QUICServer accepts connections from the QUIC sink and decodes the frame
// stream of each.
type QUICServer struct {
	log      *slog.Logger
	consumer Consumer
	counters counters
}

// NewQUICServer creates a server. If log is nil, slog.Default() is used.
func NewQUICServer(consumer Consumer, log *slog.Logger) *QUICServer {
	if log == nil {
		log = slog.Default()
	}
	return &QUICServer{
		log:      log.With("component", "quic-receiver"),
		consumer: consumer,
	}
}

// Listen opens a QUIC listener on addr advertising the frame protocol.
func Listen(addr string, cert tls.Certificate) (*quic.Listener, error) {
	ln, err := quic.ListenAddr(addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{sink.QUICProtocol},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("receive: quic listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln.
func (s *QUICServer) Serve(ctx context.Context, ln *quic.Listener) error {
	s.log.Info("listening", "addr", ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: quic accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *QUICServer) handleConnection(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	s.counters.connections.Add(1)
	s.log.Info("sender connected", "remote", remote)

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		s.log.Debug("no frame stream", "remote", remote, "error", err)
		conn.CloseWithError(0, "")
		return
	}
	if err := readFrames(ctx, stream, remote, s.consumer, &s.counters, s.log); err != nil {
		s.log.Debug("read error", "remote", remote, "error", err)
	}
	conn.CloseWithError(0, "")
	s.log.Info("connection closed", "remote", remote)
}

// Stats returns totals across all connections.
func (s *QUICServer) Stats() Stats {
	return s.counters.snapshot()
}
