package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/BenWeekes/agora-video-controller/internal/certs"
	"github.com/BenWeekes/agora-video-controller/internal/media"
)

// QUICProtocol is the ALPN identifier of the framed access-unit stream.
const QUICProtocol = "ts-frames"

// QUICConfig configures the QUIC sink. When Fingerprint is set the
// receiver's certificate is pinned to it instead of verified against the
// system roots.
type QUICConfig struct {
	Address     string
	Fingerprint string
	ServerName  string
}

// QUICSink writes framed access units onto one unidirectional stream.
type QUICSink struct {
	log    *slog.Logger
	conn   quic.Connection
	stream quic.SendStream

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// DialQUIC connects to cfg.Address and opens the frame stream.
func DialQUIC(ctx context.Context, cfg QUICConfig, log *slog.Logger) (*QUICSink, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf := &tls.Config{
		NextProtos: []string{QUICProtocol},
		ServerName: cfg.ServerName,
	}
	if cfg.Fingerprint != "" {
		fp, err := certs.ParseFingerprint(cfg.Fingerprint)
		if err != nil {
			return nil, err
		}
		// Chain verification is replaced by the pin.
		tlsConf.InsecureSkipVerify = true
		tlsConf.VerifyPeerCertificate = certs.VerifyFingerprint(fp)
	}

	conn, err := quic.DialAddr(ctx, cfg.Address, tlsConf, &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("sink: quic dial %s: %w", cfg.Address, err)
	}
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("sink: quic open stream: %w", err)
	}

	log = log.With("component", "quic-sink")
	log.Info("quic connected", "address", cfg.Address, "pinned", cfg.Fingerprint != "")
	return &QUICSink{log: log, conn: conn, stream: stream}, nil
}

// WriteFrame frames au onto the stream.
func (s *QUICSink) WriteFrame(ctx context.Context, au *media.AccessUnit, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		s.stream.SetWriteDeadline(dl)
	}
	s.buf = AppendFrame(s.buf[:0], au)
	if _, err := s.stream.Write(s.buf); err != nil {
		return fmt.Errorf("sink: quic write: %w", err)
	}
	return nil
}

// Close finishes the stream and closes the connection.
func (s *QUICSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Close()
	return s.conn.CloseWithError(0, "sender closed")
}
