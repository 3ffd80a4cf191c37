// Package sender runs the emission loop: it drains the command queue,
// hands switch requests to a background preload worker, commits a ready
// swap, pulls the next frame and paces delivery to the sink.
package sender

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BenWeekes/agora-video-controller/internal/command"
	"github.com/BenWeekes/agora-video-controller/internal/media"
	"github.com/BenWeekes/agora-video-controller/internal/pacer"
)

const (
	// DefaultPollTimeout bounds the wait for a command each cycle.
	DefaultPollTimeout = time.Millisecond
	// DefaultMissBackoff is the pause after a cycle with no frame.
	DefaultMissBackoff = 10 * time.Millisecond
)

// FrameSink accepts finished access units in order.
type FrameSink interface {
	WriteFrame(ctx context.Context, au *media.AccessUnit, frameRate int) error
}

// Source is the playback surface the loop drives. *playback.Manager
// implements it.
type Source interface {
	Preload(ctx context.Context, input string) error
	SwapReady() bool
	CommitSwap() bool
	NextFrame() (*media.AccessUnit, error)
	CurrentSource() string
}

// Config tunes the loop.
type Config struct {
	FrameRate   int
	PollTimeout time.Duration
	MissBackoff time.Duration
}

// Stats is a snapshot of the loop's counters.
type Stats struct {
	FramesSent      int64 `json:"frames_sent"`
	KeyFrames       int64 `json:"key_frames"`
	BytesSent       int64 `json:"bytes_sent"`
	TruncatedFrames int64 `json:"truncated_frames"`
	Misses          int64 `json:"misses"`
	Swaps           int64 `json:"swaps"`
	Preloads        int64 `json:"preloads"`
	PreloadFailures int64 `json:"preload_failures"`
	Superseded      int64 `json:"superseded"`
	SinkErrors      int64 `json:"sink_errors"`
}

// Sender owns the emission loop and the preload worker.
type Sender struct {
	log   *slog.Logger
	src   Source
	sink  FrameSink
	queue *command.Queue
	pacer *pacer.Pacer
	cfg   Config

	preloads chan command.Command

	framesSent      atomic.Int64
	keyFrames       atomic.Int64
	bytesSent       atomic.Int64
	truncated       atomic.Int64
	misses          atomic.Int64
	swaps           atomic.Int64
	preloadsDone    atomic.Int64
	preloadFailures atomic.Int64
	superseded      atomic.Int64
	sinkErrors      atomic.Int64
}

// Option configures a Sender.
type Option func(*Sender)

// WithPacer replaces the pacer built from Config.FrameRate.
func WithPacer(p *pacer.Pacer) Option {
	return func(s *Sender) { s.pacer = p }
}

// New creates a Sender. If log is nil, slog.Default() is used.
func New(src Source, sink FrameSink, q *command.Queue, cfg Config, log *slog.Logger, opts ...Option) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = pacer.DefaultFrameRate
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MissBackoff <= 0 {
		cfg.MissBackoff = DefaultMissBackoff
	}
	s := &Sender{
		log:      log.With("component", "sender"),
		src:      src,
		sink:     sink,
		queue:    q,
		cfg:      cfg,
		preloads: make(chan command.Command, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pacer == nil {
		s.pacer = pacer.New(cfg.FrameRate)
	}
	return s
}

// Run blocks until ctx is cancelled or a Stop command arrives. The preload
// worker has exited by the time Run returns.
func (s *Sender) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.preloadWorker(ctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.loop(ctx)
	})

	s.log.Info("sender started", "source", s.src.CurrentSource(), "fps", s.cfg.FrameRate)
	err := g.Wait()
	st := s.Stats()
	s.log.Info("sender stopped",
		"frames", st.FramesSent,
		"key_frames", st.KeyFrames,
		"bytes", st.BytesSent,
		"misses", st.Misses,
		"swaps", st.Swaps,
		"sink_errors", st.SinkErrors,
	)
	return err
}

func (s *Sender) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		if cmd, ok := s.queue.Poll(ctx, s.cfg.PollTimeout); ok {
			switch cmd.Kind {
			case command.Stop:
				s.log.Info("stop requested", "id", cmd.ID)
				return nil
			case command.SwitchSource:
				s.submitPreload(cmd)
			}
		}

		if s.src.SwapReady() && s.src.CommitSwap() {
			s.swaps.Add(1)
		}

		au, err := s.src.NextFrame()
		if err != nil {
			s.misses.Add(1)
			pacer.Sleep(ctx, s.cfg.MissBackoff)
			continue
		}

		if err := s.sink.WriteFrame(ctx, au, s.cfg.FrameRate); err != nil {
			if n := s.sinkErrors.Add(1); n == 1 || n%100 == 0 {
				s.log.Warn("sink write failed", "error", err, "count", n)
			}
		} else {
			s.framesSent.Add(1)
			s.bytesSent.Add(int64(au.Len()))
			if au.IsKeyFrame {
				s.keyFrames.Add(1)
			}
			if au.Truncated {
				s.truncated.Add(1)
			}
		}
		s.pacer.Wait(ctx)
	}
	return nil
}

// submitPreload places cmd in the worker's single-slot mailbox, replacing
// a request the worker has not picked up yet.
func (s *Sender) submitPreload(cmd command.Command) {
	for {
		select {
		case s.preloads <- cmd:
			return
		default:
		}
		select {
		case old := <-s.preloads:
			s.superseded.Add(1)
			s.log.Info("switch request superseded", "id", old.ID, "source", old.Source, "by", cmd.ID)
		default:
		}
	}
}

func (s *Sender) preloadWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.preloads:
			start := time.Now()
			s.log.Info("preloading", "source", cmd.Source, "id", cmd.ID)
			if err := s.src.Preload(ctx, cmd.Source); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.preloadFailures.Add(1)
				s.log.Warn("preload failed, keeping current source", "source", cmd.Source, "id", cmd.ID, "error", err)
				continue
			}
			s.preloadsDone.Add(1)
			s.log.Info("preload ready", "source", cmd.Source, "id", cmd.ID, "elapsed", time.Since(start))
		}
	}
}

// Stats returns a snapshot of the loop counters.
func (s *Sender) Stats() Stats {
	return Stats{
		FramesSent:      s.framesSent.Load(),
		KeyFrames:       s.keyFrames.Load(),
		BytesSent:       s.bytesSent.Load(),
		TruncatedFrames: s.truncated.Load(),
		Misses:          s.misses.Load(),
		Swaps:           s.swaps.Load(),
		Preloads:        s.preloadsDone.Load(),
		PreloadFailures: s.preloadFailures.Load(),
		Superseded:      s.superseded.Load(),
		SinkErrors:      s.sinkErrors.Load(),
	}
}
