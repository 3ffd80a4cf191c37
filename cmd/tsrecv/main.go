// Command tsrecv receives framed access units from tssender's SRT or QUIC
// sink and writes them to an Annex-B file.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BenWeekes/agora-video-controller/internal/certs"
	"github.com/BenWeekes/agora-video-controller/internal/receive"
	"github.com/BenWeekes/agora-video-controller/internal/sink"
)

func main() {
	srtAddr := flag.String("srt", "", "SRT listen address, e.g. :6000")
	quicAddr := flag.String("quic", "", "QUIC listen address, e.g. :4433")
	outPath := flag.String("out", "received.h264", "output Annex-B file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *srtAddr == "" && *quicAddr == "" {
		slog.Error("nothing to listen on: set -srt and/or -quic")
		os.Exit(2)
	}

	out, err := sink.CreateFile(*outPath)
	if err != nil {
		slog.Error("failed to create output", "error", err)
		os.Exit(1)
	}
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	if *srtAddr != "" {
		srv := receive.NewSRTServer(*srtAddr, out, nil)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if *quicAddr != "" {
		cert, err := certs.Generate(14 * 24 * time.Hour)
		if err != nil {
			slog.Error("failed to generate cert", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		ln, err := receive.Listen(*quicAddr, cert.TLSCert)
		if err != nil {
			slog.Error("failed to listen", "error", err)
			os.Exit(1)
		}
		srv := receive.NewQUICServer(out, nil)
		g.Go(func() error { return srv.Serve(ctx, ln) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("receiver error", "error", err)
		os.Exit(1)
	}
}
