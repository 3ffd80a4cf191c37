package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Source is a resolved single file or playlist.
type Source struct {
	Label      string
	Segments   []Segment
	IsPlaylist bool
}

// Fetcher downloads remote content to a local file. Implementations must
// treat an existing dest as already fetched.
type Fetcher interface {
	Fetch(ctx context.Context, remote, dest string) error
}

// IsRemote reports whether s names content that must be fetched.
func IsRemote(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "s3://")
}

// IsPlaylist reports whether s names an M3U8 playlist. Query strings and
// fragments of remote locations are ignored.
func IsPlaylist(s string) bool {
	p := s
	if IsRemote(s) {
		if u, err := url.Parse(s); err == nil {
			p = u.Path
		}
	}
	return strings.HasSuffix(strings.ToLower(p), ".m3u8")
}

// CachePath maps a remote location to <cacheDir>/<host>/<path>, mirroring
// the remote layout so cached content is reused across runs.
func CachePath(cacheDir, remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("playlist: cache path for %q: %w", remote, err)
	}
	p := path.Clean("/" + u.Path)
	if p == "/" {
		return "", fmt.Errorf("playlist: cache path for %q: empty path", remote)
	}
	host := strings.ReplaceAll(u.Host, ":", "_")
	if host == "" {
		host = "default"
	}
	return filepath.Join(cacheDir, host, filepath.FromSlash(p)), nil
}

// Resolver turns source strings into Sources with local segment files.
type Resolver struct {
	fetcher  Fetcher
	cacheDir string
	log      *slog.Logger
}

// NewResolver creates a Resolver caching remote content under cacheDir.
// fetcher may be nil when only local sources are used. If log is nil,
// slog.Default() is used.
func NewResolver(fetcher Fetcher, cacheDir string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		fetcher:  fetcher,
		cacheDir: cacheDir,
		log:      log.With("component", "resolver"),
	}
}

// Resolve classifies input as a single file or playlist, fetches remote
// content into the cache, and returns the Source. Every returned segment
// has a LocalPath.
func (r *Resolver) Resolve(ctx context.Context, input string) (*Source, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("playlist: empty source")
	}
	if IsPlaylist(input) {
		return r.resolvePlaylist(ctx, input)
	}

	local := input
	if IsRemote(input) {
		var err error
		if local, err = r.fetch(ctx, input); err != nil {
			return nil, err
		}
	}
	return &Source{
		Label:    input,
		Segments: []Segment{{URL: input, LocalPath: local}},
	}, nil
}

func (r *Resolver) resolvePlaylist(ctx context.Context, input string) (*Source, error) {
	listPath, base := input, filepath.Dir(input)
	if IsRemote(input) {
		var err error
		if listPath, err = r.fetch(ctx, input); err != nil {
			return nil, err
		}
		base = input
	}

	f, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("playlist: %w", err)
	}
	segments, err := Parse(f, base)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", input, err)
	}

	for i := range segments {
		seg := &segments[i]
		if !IsRemote(seg.URL) {
			seg.LocalPath = seg.URL
			continue
		}
		if seg.LocalPath, err = r.fetch(ctx, seg.URL); err != nil {
			return nil, fmt.Errorf("playlist: segment %d: %w", i, err)
		}
	}

	r.log.Info("playlist resolved", "source", input, "segments", len(segments))
	return &Source{Label: input, Segments: segments, IsPlaylist: true}, nil
}

func (r *Resolver) fetch(ctx context.Context, remote string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.fetcher == nil {
		return "", fmt.Errorf("playlist: no fetcher configured for %s", remote)
	}
	dest, err := CachePath(r.cacheDir, remote)
	if err != nil {
		return "", err
	}
	r.log.Debug("fetching", "remote", remote, "dest", dest)
	if err := r.fetcher.Fetch(ctx, remote, dest); err != nil {
		return "", fmt.Errorf("playlist: fetch %s: %w", remote, err)
	}
	return dest, nil
}
