// Package fetch downloads remote playlists and segments into the local
// cache. Fetches are idempotent: a destination that already exists is
// treated as fetched. Downloads land in a ".part" file and are renamed into
// place only after passing an integrity check, so an interrupted download
// never leaves a file that later runs would trust.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnexpectedStatus is returned when an HTTP response is not 200 OK.
	ErrUnexpectedStatus = errors.New("fetch: unexpected status code")
	// ErrUnsupportedScheme is returned for locations other than http, https and s3.
	ErrUnsupportedScheme = errors.New("fetch: unsupported scheme")
	// ErrIntegrity is returned when downloaded content fails validation.
	ErrIntegrity = errors.New("fetch: integrity check failed")
	// ErrNotFound is returned when an S3 object does not exist.
	ErrNotFound = errors.New("fetch: object not found")
)

const (
	defaultTimeout = 60 * time.Second
	tsPacketSize   = 188
	tsSyncByte     = 0x47
)

// ObjectGetter is the subset of *s3.Client used for s3:// locations.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds each HTTP request. Zero means 60s.
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is then ignored.
	HTTPClient *http.Client
	// S3 serves s3://bucket/key locations. Nil disables them.
	S3 ObjectGetter
}

// Fetcher downloads http(s) and s3 locations to local files.
type Fetcher struct {
	log    *slog.Logger
	client *http.Client
	s3     ObjectGetter
	group  singleflight.Group
}

// New creates a Fetcher. If log is nil, slog.Default() is used.
func New(opts Options, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Fetcher{
		log:    log.With("component", "fetcher"),
		client: client,
		s3:     opts.S3,
	}
}

// Fetch downloads remote to dest unless dest already exists. Concurrent
// fetches of the same dest share one download.
func (f *Fetcher) Fetch(ctx context.Context, remote, dest string) error {
	if exists(dest) {
		return nil
	}
	_, err, _ := f.group.Do(dest, func() (any, error) {
		if exists(dest) {
			return nil, nil
		}
		return nil, f.download(ctx, remote, dest)
	})
	return err
}

func (f *Fetcher) download(ctx context.Context, remote, dest string) error {
	u, err := url.Parse(remote)
	if err != nil {
		return fmt.Errorf("fetch: parse %q: %w", remote, err)
	}

	var open func(context.Context, *url.URL) (io.ReadCloser, error)
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		open = f.openHTTP
	case "s3":
		open = f.openS3
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("fetch: create cache dir: %w", err)
	}

	start := time.Now()
	body, err := open(ctx, u)
	if err != nil {
		return err
	}
	defer body.Close()

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = validate(part, dest)
	}
	if err == nil {
		err = os.Rename(part, dest)
	}
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("fetch: %s: %w", remote, err)
	}

	f.log.Info("downloaded", "remote", remote, "dest", dest, "bytes", n, "elapsed", time.Since(start))
	return nil
}

func (f *Fetcher) openHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, u.Redacted())
	}
	return resp.Body, nil
}

func (f *Fetcher) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if f.s3 == nil {
		return nil, fmt.Errorf("%w: no S3 client configured", ErrUnsupportedScheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, u.Host, key)
		}
		return nil, fmt.Errorf("fetch: s3 get: %w", err)
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"
	}
	return false
}

// validate checks the downloaded file at path, named after dest. Every file
// must be non-empty; transport stream segments must hold at least one
// packet and start with the sync byte.
func validate(path, dest string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%w: empty file", ErrIntegrity)
	}
	if !strings.EqualFold(filepath.Ext(dest), ".ts") {
		return nil
	}
	if fi.Size() < tsPacketSize {
		return fmt.Errorf("%w: %d bytes is shorter than one packet", ErrIntegrity, fi.Size())
	}

	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	var first [1]byte
	if _, err := io.ReadFull(fh, first[:]); err != nil {
		return err
	}
	if first[0] != tsSyncByte {
		return fmt.Errorf("%w: missing sync byte (0x%02X)", ErrIntegrity, first[0])
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
