// Package playlist models the sources the sender can play: a single
// transport stream file or an M3U8 playlist of segments, local or remote.
// Parsing is independent of I/O; Resolver turns a source string into a
// Source whose segments all have local files.
package playlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrEmptyPlaylist is returned when a playlist has no segment lines.
var ErrEmptyPlaylist = errors.New("playlist: no segments")

const extinfPrefix = "#EXTINF:"

// Segment is one playable entry of a playlist.
type Segment struct {
	URL       string  // resolved location, URL or filesystem path
	LocalPath string  // file to demux; empty until resolved
	Duration  float64 // seconds from the preceding #EXTINF, or 0
}

// Parse reads an M3U8 document. Relative segment references are resolved
// against base, which may be a URL (the playlist's own URL works) or a
// directory.
func Parse(r io.Reader, base string) ([]Segment, error) {
	var (
		segments []Segment
		duration float64
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimRight(sc.Text(), "\r"))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, extinfPrefix) {
				duration = parseExtinf(line[len(extinfPrefix):])
			}
			continue
		}

		loc, err := resolveReference(base, line)
		if err != nil {
			return nil, fmt.Errorf("playlist: segment %q: %w", line, err)
		}
		segments = append(segments, Segment{URL: loc, Duration: duration})
		duration = 0
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("playlist: read: %w", err)
	}
	if len(segments) == 0 {
		return nil, ErrEmptyPlaylist
	}
	return segments, nil
}

// parseExtinf reads the duration from "<duration>,<title>".
func parseExtinf(v string) float64 {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func resolveReference(base, ref string) (string, error) {
	if hasScheme(ref) {
		return ref, nil
	}
	if IsRemote(base) {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		r, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		return b.ResolveReference(r).String(), nil
	}
	if filepath.IsAbs(ref) || base == "" {
		return ref, nil
	}
	return filepath.Join(base, ref), nil
}

func hasScheme(s string) bool {
	i := strings.Index(s, "://")
	return i > 0 && !strings.ContainsAny(s[:i], "/?#")
}
