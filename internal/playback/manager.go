// Package playback owns the active source and its demuxer. A replacement
// source is prepared off the hot path by Preload and becomes active only
// through CommitSwap, so the sender never observes a half-built source and
// never waits on a fetch while holding the lock.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/BenWeekes/agora-video-controller/internal/media"
	"github.com/BenWeekes/agora-video-controller/internal/mpegts"
	"github.com/BenWeekes/agora-video-controller/internal/playlist"
)

var (
	// ErrNoFrame is returned when no frame is available this cycle. Callers
	// should back off briefly and try again.
	ErrNoFrame = errors.New("playback: no frame available")
	// ErrNotInitialized is returned by NextFrame before Initialize succeeds.
	ErrNotInitialized = errors.New("playback: not initialized")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("playback: manager closed")
)

// FrameReader yields access units from one segment. ReadAccessUnit returns
// io.EOF at the end of the segment and rewinds to its start.
type FrameReader interface {
	ReadAccessUnit() (*media.AccessUnit, error)
	Close() error
}

// Opener opens the segment file at path.
type Opener func(path string) (FrameReader, error)

// Resolver turns a source string into a Source with local segment files.
type Resolver interface {
	Resolve(ctx context.Context, input string) (*playlist.Source, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the segment opener. The default memory-maps the file
// with mpegts.Open.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.open = open }
}

type state struct {
	source *playlist.Source
	index  int
	reader FrameReader // nil after a segment failed to open
}

func (s *state) close() {
	if s != nil && s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}

// Manager is safe for concurrent use. NextFrame and CommitSwap are called
// from the sender loop; Preload runs on a background worker.
type Manager struct {
	log      *slog.Logger
	resolver Resolver
	open     Opener

	mu      sync.Mutex
	active  *state
	pending *state
	closed  bool
	ready   atomic.Bool
	swaps   atomic.Int64
}

// NewManager creates a Manager. If log is nil, slog.Default() is used.
func NewManager(resolver Resolver, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:      log.With("component", "playback"),
		resolver: resolver,
	}
	m.open = func(path string) (FrameReader, error) {
		d, err := mpegts.Open(path, m.log)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// build resolves input and opens its first segment. It touches no shared
// state and may block on fetches.
func (m *Manager) build(ctx context.Context, input string) (*state, error) {
	src, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(src.Segments) == 0 {
		return nil, fmt.Errorf("playback: %s: %w", input, playlist.ErrEmptyPlaylist)
	}
	r, err := m.open(src.Segments[0].LocalPath)
	if err != nil {
		return nil, fmt.Errorf("playback: open first segment of %s: %w", input, err)
	}
	return &state{source: src, reader: r}, nil
}

// Initialize makes input the active source.
func (m *Manager) Initialize(ctx context.Context, input string) error {
	st, err := m.build(ctx, input)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		st.close()
		return ErrClosed
	}
	old := m.active
	m.active = st
	m.mu.Unlock()

	old.close()
	m.log.Info("source initialized", "source", st.source.Label, "segments", len(st.source.Segments))
	return nil
}

// Preload prepares input as the pending source. On failure the active and
// pending state are left untouched. A newer preload replaces an older one
// that has not been committed.
func (m *Manager) Preload(ctx context.Context, input string) error {
	st, err := m.build(ctx, input)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		st.close()
		return ErrClosed
	}
	replaced := m.pending
	m.pending = st
	m.ready.Store(true)
	m.mu.Unlock()

	if replaced != nil {
		m.log.Info("discarding uncommitted source", "source", replaced.source.Label)
		replaced.close()
	}
	m.log.Info("source preloaded", "source", st.source.Label, "segments", len(st.source.Segments))
	return nil
}

// SwapReady reports whether a preloaded source is waiting. It does not take
// the lock.
func (m *Manager) SwapReady() bool {
	return m.ready.Load()
}

// CommitSwap makes the pending source active, starting at its first segment.
// It returns false when nothing is pending.
func (m *Manager) CommitSwap() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return false
	}
	old := m.active
	m.active = m.pending
	m.pending = nil
	m.ready.Store(false)
	m.swaps.Add(1)
	old.close()

	from := ""
	if old != nil {
		from = old.source.Label
	}
	m.log.Info("switched source", "from", from, "to", m.active.source.Label)
	return true
}

// NextFrame returns the next access unit of the active source. At the end
// of a segment it moves to the next one, wrapping at the end of a playlist,
// and retries once; a single file loops to its start. ErrNoFrame means the
// retry found nothing either.
func (m *Manager) NextFrame() (*media.AccessUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	st := m.active
	if st == nil {
		return nil, ErrNotInitialized
	}

	if st.reader != nil {
		if au, err := st.reader.ReadAccessUnit(); err == nil {
			return au, nil
		}
	}

	if len(st.source.Segments) > 1 || st.reader == nil {
		if !m.advance(st) {
			return nil, ErrNoFrame
		}
	}

	au, err := st.reader.ReadAccessUnit()
	if err != nil {
		return nil, ErrNoFrame
	}
	return au, nil
}

// advance closes the current segment and opens the next one. On failure
// the state is left without a reader so the following call advances again.
func (m *Manager) advance(st *state) bool {
	st.close()
	n := len(st.source.Segments)
	st.index = (st.index + 1) % n
	seg := st.source.Segments[st.index]

	r, err := m.open(seg.LocalPath)
	if err != nil {
		m.log.Warn("segment failed to open, skipping", "index", st.index, "path", seg.LocalPath, "error", err)
		return false
	}
	st.reader = r
	m.log.Debug("next segment", "index", st.index, "of", n, "path", seg.LocalPath, "duration", seg.Duration)
	return true
}

// CurrentSource returns the label of the active source.
func (m *Manager) CurrentSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.source.Label
}

// Segment returns the index and descriptor of the active segment.
func (m *Manager) Segment() (int, playlist.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, playlist.Segment{}
	}
	return m.active.index, m.active.source.Segments[m.active.index]
}

// Swaps returns the number of committed swaps.
func (m *Manager) Swaps() int64 {
	return m.swaps.Load()
}

// DemuxStats returns the diagnostic counters of the active segment's
// demuxer, when it exposes them.
func (m *Manager) DemuxStats() (mpegts.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.reader == nil {
		return mpegts.Stats{}, false
	}
	s, ok := m.active.reader.(interface{ Stats() mpegts.Stats })
	if !ok {
		return mpegts.Stats{}, false
	}
	return s.Stats(), true
}

// Close releases the active and pending segments. Later calls to NextFrame
// return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.active.close()
	m.pending.close()
	m.pending = nil
	m.ready.Store(false)
	return nil
}
