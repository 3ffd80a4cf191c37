package sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BenWeekes/agora-video-controller/internal/command"
	"github.com/BenWeekes/agora-video-controller/internal/media"
	"github.com/BenWeekes/agora-video-controller/internal/playback"
	"github.com/BenWeekes/agora-video-controller/internal/playlist"
	"github.com/BenWeekes/agora-video-controller/internal/tstest"
)

type recordingSink struct {
	mu     sync.Mutex
	lens   []int
	fail   error
	onSend func(au *media.AccessUnit)
}

func (s *recordingSink) WriteFrame(_ context.Context, au *media.AccessUnit, _ int) error {
	s.mu.Lock()
	s.lens = append(s.lens, au.Len())
	fail, onSend := s.fail, s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend(au)
	}
	return fail
}

func (s *recordingSink) sent() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.lens...)
}

// fakeSource serves fixed-size frames and records preload requests.
type fakeSource struct {
	mu         sync.Mutex
	size       int
	pending    int
	ready      atomic.Bool
	preloaded  []string
	preloadErr error
	empty      bool
}

func (f *fakeSource) Preload(_ context.Context, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preloaded = append(f.preloaded, input)
	if f.preloadErr != nil {
		return f.preloadErr
	}
	f.pending = len(input) * 100
	f.ready.Store(true)
	return nil
}

func (f *fakeSource) SwapReady() bool { return f.ready.Load() }

func (f *fakeSource) CommitSwap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready.Swap(false) {
		return false
	}
	f.size = f.pending
	return true
}

func (f *fakeSource) NextFrame() (*media.AccessUnit, error) {
	if f.empty {
		return nil, playback.ErrNoFrame
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &media.AccessUnit{Payload: make([]byte, f.size), IsKeyFrame: true}, nil
}

func (f *fakeSource) CurrentSource() string { return "fake" }

func runAsync(ctx context.Context, t *testing.T, s *Sender) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSenderStopCommand(t *testing.T) {
	t.Parallel()
	q := command.NewQueue(4)
	src := &fakeSource{size: 100}
	sink := &recordingSink{}
	s := New(src, sink, q, Config{FrameRate: 1000}, nil)

	sink.onSend = func(*media.AccessUnit) { q.TryPush(command.Command{Kind: command.Stop, ID: "x"}) }
	done := runAsync(context.Background(), t, s)
	waitDone(t, done)

	st := s.Stats()
	if st.FramesSent < 1 {
		t.Errorf("FramesSent = %d, want >= 1", st.FramesSent)
	}
	if st.KeyFrames != st.FramesSent {
		t.Errorf("KeyFrames = %d, want %d", st.KeyFrames, st.FramesSent)
	}
	if st.BytesSent != st.FramesSent*100 {
		t.Errorf("BytesSent = %d, want %d", st.BytesSent, st.FramesSent*100)
	}
}

func TestSenderContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(&fakeSource{size: 10}, &recordingSink{}, command.NewQueue(1), Config{FrameRate: 500}, nil)
	done := runAsync(ctx, t, s)
	time.Sleep(20 * time.Millisecond)
	cancel()
	waitDone(t, done)
}

func TestSenderSwitchSource(t *testing.T) {
	t.Parallel()
	q := command.NewQueue(4)
	src := &fakeSource{size: 100}
	sink := &recordingSink{}
	s := New(src, sink, q, Config{FrameRate: 1000}, nil)

	var once sync.Once
	sink.onSend = func(au *media.AccessUnit) {
		if au.Len() == 300 {
			once.Do(func() { q.TryPush(command.Command{Kind: command.Stop}) })
		}
	}
	done := runAsync(context.Background(), t, s)
	if err := q.Push(context.Background(), command.Command{Kind: command.SwitchSource, Source: "abc", ID: "1"}); err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	lens := sink.sent()
	switched := false
	for i, n := range lens {
		switch n {
		case 300:
			switched = true
		case 100:
			if switched {
				t.Fatalf("frame %d from old source after swap", i)
			}
		default:
			t.Fatalf("frame %d: unexpected len %d", i, n)
		}
	}
	if !switched {
		t.Fatal("never switched")
	}
	if st := s.Stats(); st.Swaps != 1 || st.Preloads != 1 {
		t.Errorf("Swaps = %d Preloads = %d, want 1 and 1", st.Swaps, st.Preloads)
	}
}

func TestSenderPreloadFailureKeepsPlaying(t *testing.T) {
	t.Parallel()
	q := command.NewQueue(4)
	src := &fakeSource{size: 100, preloadErr: errors.New("unreachable")}
	sink := &recordingSink{}
	s := New(src, sink, q, Config{FrameRate: 1000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, t, s)
	q.TryPush(command.Command{Kind: command.SwitchSource, Source: "missing.ts"})

	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().PreloadFailures == 0 {
		if time.Now().After(deadline) {
			t.Fatal("preload failure not recorded")
		}
		time.Sleep(time.Millisecond)
	}
	before := s.Stats().FramesSent
	for s.Stats().FramesSent < before+3 {
		if time.Now().After(deadline) {
			t.Fatal("playback stalled after failed preload")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	waitDone(t, done)

	for i, n := range sink.sent() {
		if n != 100 {
			t.Fatalf("frame %d: len %d, want 100", i, n)
		}
	}
	if s.Stats().Swaps != 0 {
		t.Errorf("Swaps = %d, want 0", s.Stats().Swaps)
	}
}

func TestSenderSinkErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	q := command.NewQueue(4)
	sink := &recordingSink{fail: errors.New("peer gone")}
	s := New(&fakeSource{size: 10}, sink, q, Config{FrameRate: 1000}, nil)

	var calls atomic.Int32
	sink.onSend = func(*media.AccessUnit) {
		if calls.Add(1) == 5 {
			q.TryPush(command.Command{Kind: command.Stop})
		}
	}
	waitDone(t, runAsync(context.Background(), t, s))

	st := s.Stats()
	if st.SinkErrors < 5 {
		t.Errorf("SinkErrors = %d, want >= 5", st.SinkErrors)
	}
	if st.FramesSent != 0 {
		t.Errorf("FramesSent = %d, want 0", st.FramesSent)
	}
}

func TestSenderMissBacksOff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sink := &recordingSink{}
	s := New(&fakeSource{empty: true}, sink, command.NewQueue(1), Config{FrameRate: 1000}, nil)
	waitDone(t, runAsync(ctx, t, s))

	st := s.Stats()
	if st.Misses == 0 {
		t.Fatal("no misses recorded")
	}
	// 10ms back-off over 100ms leaves room for roughly ten cycles.
	if st.Misses > 30 {
		t.Errorf("Misses = %d, back-off not applied", st.Misses)
	}
	if len(sink.sent()) != 0 {
		t.Errorf("sink received %d frames", len(sink.sent()))
	}
}

func TestSubmitPreloadKeepsNewest(t *testing.T) {
	t.Parallel()
	s := New(&fakeSource{}, &recordingSink{}, command.NewQueue(1), Config{}, nil)
	for _, src := range []string{"a.ts", "b.ts", "c.ts"} {
		s.submitPreload(command.Command{Kind: command.SwitchSource, Source: src})
	}
	if got := len(s.preloads); got != 1 {
		t.Fatalf("mailbox holds %d, want 1", got)
	}
	if cmd := <-s.preloads; cmd.Source != "c.ts" {
		t.Errorf("mailbox = %q, want c.ts", cmd.Source)
	}
	if got := s.Stats().Superseded; got != 2 {
		t.Errorf("Superseded = %d, want 2", got)
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	s := New(&fakeSource{}, &recordingSink{}, command.NewQueue(1), Config{}, nil)
	if s.cfg.FrameRate != 30 || s.cfg.PollTimeout != DefaultPollTimeout || s.cfg.MissBackoff != DefaultMissBackoff {
		t.Errorf("cfg = %+v", s.cfg)
	}
	if got, want := s.pacer.Interval(), time.Second/30; got != want {
		t.Errorf("interval = %v, want %v", got, want)
	}
}

func TestSenderWithPlaybackManager(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := tstest.WriteFile(t, dir, "first.ts", tstest.Stream(tstest.GOP(5, 400)...))
	second := tstest.WriteFile(t, dir, "second.ts", tstest.Stream(tstest.GOP(5, 700)...))

	m := playback.NewManager(playlist.NewResolver(nil, t.TempDir(), nil), nil)
	t.Cleanup(func() { m.Close() })
	if err := m.Initialize(context.Background(), first); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	q := command.NewQueue(4)
	sink := &recordingSink{}
	var seen700 atomic.Int32
	sink.onSend = func(au *media.AccessUnit) {
		if au.Len() == 700 && seen700.Add(1) == 6 {
			q.TryPush(command.Command{Kind: command.Stop})
		}
	}
	s := New(m, sink, q, Config{FrameRate: 1000}, nil)
	done := runAsync(context.Background(), t, s)
	q.TryPush(command.Command{Kind: command.SwitchSource, Source: second})
	waitDone(t, done)

	if m.CurrentSource() != second {
		t.Errorf("CurrentSource = %q, want %q", m.CurrentSource(), second)
	}
	switched := false
	for i, n := range sink.sent() {
		if n == 700 {
			switched = true
		} else if switched {
			t.Fatalf("frame %d: len %d after swap", i, n)
		}
	}
}
