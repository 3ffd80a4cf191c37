package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BenWeekes/agora-video-controller/internal/command"
	"github.com/BenWeekes/agora-video-controller/internal/config"
	"github.com/BenWeekes/agora-video-controller/internal/fetch"
	"github.com/BenWeekes/agora-video-controller/internal/playback"
	"github.com/BenWeekes/agora-video-controller/internal/playlist"
	"github.com/BenWeekes/agora-video-controller/internal/sender"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("tssender failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		envFile    = flag.String("env", ".env", "path to .env file")
		fps        = flag.Int("fps", 0, "frame rate override")
		sinkType   = flag.String("sink", "", "sink type: rtp, webrtc, srt, quic, file")
		sinkAddr   = flag.String("sink-addr", "", "sink address (host:port) or file path")
		wsAddr     = flag.String("ws", "", "WebSocket control listen address")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file.ts|playlist.m3u8|url> [fps]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVer {
		fmt.Println(version)
		return nil
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, flag.Args(), *fps, *sinkType, *sinkAddr, *wsAddr, *logLevel); err != nil {
		flag.Usage()
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	log.Info("tssender starting",
		"version", version,
		"source", cfg.Source,
		"fps", cfg.FrameRate,
		"sink", cfg.Sink.Type,
		"cache", cfg.CacheDir,
	)

	s3Client, err := fetch.NewS3Client(ctx, fetch.S3Config(cfg.Fetch.S3))
	if err != nil {
		return err
	}
	fetcher := fetch.New(fetch.Options{Timeout: cfg.Fetch.Timeout, S3: s3Client}, log)
	resolver := playlist.NewResolver(fetcher, cfg.CacheDir, log)

	mgr := playback.NewManager(resolver, log)
	defer mgr.Close()
	if err := mgr.Initialize(ctx, cfg.Source); err != nil {
		return fmt.Errorf("initialize %s: %w", cfg.Source, err)
	}

	out, signaler, err := openSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn("sink close failed", "error", err)
		}
	}()

	queue := command.NewQueue(cfg.Control.QueueSize)
	snd := sender.New(mgr, out, queue, sender.Config{FrameRate: cfg.FrameRate}, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A Stop command ends the sender; take everything else down with it.
		defer cancel()
		return snd.Run(ctx)
	})

	if cfg.Control.Stdin {
		g.Go(func() error {
			return command.ReadLines(ctx, os.Stdin, queue, log)
		})
	}

	if cfg.Control.WebSocketAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/control", command.NewWebSocketHandler(queue, signaler, log))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: cfg.Control.WebSocketAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			log.Info("control server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Control.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Control.RedisAddr,
			Password: cfg.Control.RedisPassword,
			DB:       cfg.Control.RedisDB,
		})
		defer client.Close()
		sub := command.NewRedisSubscriber(client, cfg.Control.RedisChannel, queue, log)
		g.Go(func() error {
			if err := sub.Run(ctx); err != nil {
				log.Warn("redis control unavailable", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if st, ok := mgr.DemuxStats(); ok {
		log.Info("demuxer stats",
			"packets", st.PacketsScanned,
			"desync", st.DesyncPackets,
			"invalid", st.InvalidPackets,
			"truncated", st.TruncatedUnits,
			"loops", st.Loops,
		)
	}
	return err
}

// applyFlags overlays command-line settings. A positional source and
// optional positional frame rate are accepted for compatibility with
// "tssender file.ts 25".
func applyFlags(cfg *config.Config, args []string, fps int, sinkType, sinkAddr, wsAddr, logLevel string) error {
	switch len(args) {
	case 0:
	case 2:
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid frame rate %q", args[1])
		}
		cfg.FrameRate = n
		fallthrough
	case 1:
		cfg.Source = args[0]
	default:
		return fmt.Errorf("unexpected arguments: %v", args[2:])
	}
	if fps > 0 {
		cfg.FrameRate = fps
	}
	if sinkType != "" {
		cfg.Sink.Type = sinkType
	}
	if sinkAddr != "" {
		if cfg.Sink.Type == config.SinkFile {
			cfg.Sink.Path = sinkAddr
		} else {
			cfg.Sink.Address = sinkAddr
		}
	}
	if wsAddr != "" {
		cfg.Control.WebSocketAddr = wsAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
