package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tsBytes(packets int) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = tsSyncByte
	return bytes.Repeat(pkt, packets)
}

func newServer(t *testing.T, files map[string][]byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_HTTP(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	seg := tsBytes(3)
	srv := newServer(t, map[string][]byte{"/show/seg0.ts": seg}, &hits)

	f := New(Options{}, nil)
	dest := filepath.Join(t.TempDir(), "a", "b", "seg0.ts")

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/show/seg0.ts", dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, seg, got)
	assert.NoFileExists(t, dest+".part")

	// Second fetch is served from the cache.
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/show/seg0.ts", dest))
	assert.Equal(t, int64(1), hits.Load())
}

func TestFetch_UnexpectedStatus(t *testing.T) {
	t.Parallel()
	srv := newServer(t, nil, nil)
	dest := filepath.Join(t.TempDir(), "missing.ts")

	err := New(Options{}, nil).Fetch(context.Background(), srv.URL+"/missing.ts", dest)
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "404")
	assert.NoFileExists(t, dest)
}

func TestFetch_Integrity(t *testing.T) {
	t.Parallel()
	srv := newServer(t, map[string][]byte{
		"/empty.m3u8": {},
		"/short.ts":   {tsSyncByte, 0, 0},
		"/nosync.ts":  bytes.Repeat([]byte{0xAB}, 2*tsPacketSize),
		"/list.m3u8":  []byte("#EXTM3U\nseg.ts\n"),
	}, nil)
	f := New(Options{}, nil)
	dir := t.TempDir()

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/empty.m3u8", true},
		{"/short.ts", true},
		{"/nosync.ts", true},
		{"/list.m3u8", false},
	}
	for _, tt := range tests {
		dest := filepath.Join(dir, filepath.Base(tt.path))
		err := f.Fetch(context.Background(), srv.URL+tt.path, dest)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrIntegrity, tt.path)
			assert.NoFileExists(t, dest, tt.path)
			assert.NoFileExists(t, dest+".part", tt.path)
		} else {
			assert.NoError(t, err, tt.path)
			assert.FileExists(t, dest, tt.path)
		}
	}
}

func TestFetch_ExistingDestSkipsIO(t *testing.T) {
	t.Parallel()
	dest := filepath.Join(t.TempDir(), "cached.ts")
	require.NoError(t, os.WriteFile(dest, []byte("cached"), 0o644))

	// An unsupported scheme would fail if any I/O were attempted.
	err := New(Options{}, nil).Fetch(context.Background(), "ftp://host/cached.ts", dest)
	require.NoError(t, err)
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	t.Parallel()
	f := New(Options{}, nil)
	dest := filepath.Join(t.TempDir(), "x.ts")

	require.ErrorIs(t, f.Fetch(context.Background(), "ftp://host/x.ts", dest), ErrUnsupportedScheme)
	require.ErrorIs(t, f.Fetch(context.Background(), "s3://bucket/x.ts", dest), ErrUnsupportedScheme)
}

func TestFetch_ConcurrentSameDest(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	seg := tsBytes(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		w.Write(seg)
	}))
	t.Cleanup(srv.Close)

	f := New(Options{}, nil)
	dest := filepath.Join(t.TempDir(), "seg.ts")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.Fetch(context.Background(), srv.URL+"/seg.ts", dest)
		}(i)
	}
	<-arrived
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load())
}

type fakeS3 struct {
	objects map[string]string
	gets    []string
}

func (s *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := *in.Bucket + "/" + *in.Key
	s.gets = append(s.gets, key)
	body, ok := s.objects[key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestFetch_S3(t *testing.T) {
	t.Parallel()
	fake := &fakeS3{objects: map[string]string{
		"media/shows/list.m3u8": "#EXTM3U\nep1.ts\n",
	}}
	f := New(Options{S3: fake}, nil)
	dir := t.TempDir()

	dest := filepath.Join(dir, "list.m3u8")
	require.NoError(t, f.Fetch(context.Background(), "s3://media/shows/list.m3u8", dest))
	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\nep1.ts\n", string(body))
	assert.Equal(t, []string{"media/shows/list.m3u8"}, fake.gets)

	err = f.Fetch(context.Background(), "s3://media/shows/nope.ts", filepath.Join(dir, "nope.ts"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3Client_PathStyleEndpoint(t *testing.T) {
	t.Parallel()
	seg := tsBytes(2)
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(seg)
	}))
	t.Cleanup(srv.Close)

	client, err := NewS3Client(context.Background(), S3Config{
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	f := New(Options{S3: client}, nil)
	dest := filepath.Join(t.TempDir(), "seg.ts")
	require.NoError(t, f.Fetch(context.Background(), "s3://bucket/dir/seg.ts", dest))
	assert.Equal(t, "/bucket/dir/seg.ts", gotPath.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, seg, got)
}
