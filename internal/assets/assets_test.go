package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

type stubFetcher struct {
	data  []byte
	err   error
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

type stubCache struct {
	data      map[string][]byte
	loadErrs  []error
	storeErrs []error
	loads     int
	stored    []string
}

func (s *stubCache) Load(ctx context.Context, key string) ([]byte, bool, error) {
	s.loads++
	if len(s.loadErrs) > 0 {
		err := s.loadErrs[0]
		s.loadErrs = s.loadErrs[1:]
		if err != nil {
			return nil, false, err
		}
	}
	data, ok := s.data[key]
	return data, ok, nil
}

func (s *stubCache) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	s.stored = append(s.stored, key)
	if len(s.storeErrs) > 0 {
		err := s.storeErrs[0]
		s.storeErrs = s.storeErrs[1:]
		return err
	}
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

func newTestCachedSource(src Fetcher, cache Cache) *CachedSource {
	c := NewCachedSource(src, cache, time.Hour, 1024, zap.NewNop())
	c.retry = backoff{attempts: 3, initial: time.Millisecond, max: 2 * time.Millisecond}
	return c
}

func TestCachedSourceHit(t *testing.T) {
	const uri = "https://example.com/model.onnx"
	src := &stubFetcher{data: []byte("fresh")}
	cache := &stubCache{data: map[string][]byte{cacheKey(uri): []byte("cached")}}
	c := newTestCachedSource(src, cache)

	data, err := c.Fetch(context.Background(), uri)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if string(data) != "cached" {
		t.Fatalf("expected cached bytes, got %q", data)
	}
	if src.calls != 0 {
		t.Fatalf("expected no upstream fetch, got %d", src.calls)
	}
}

func TestCachedSourceMissIsNotRetried(t *testing.T) {
	src := &stubFetcher{data: []byte("fresh")}
	cache := &stubCache{}
	c := newTestCachedSource(src, cache)

	data, err := c.Fetch(context.Background(), "s3://bucket/ref.jpg")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if string(data) != "fresh" || src.calls != 1 {
		t.Fatalf("expected one upstream fetch, got %d (%q)", src.calls, data)
	}
	if cache.loads != 1 {
		t.Fatalf("expected a single cache lookup on a miss, got %d", cache.loads)
	}
	if len(cache.stored) != 1 || cache.stored[0] != cacheKey("s3://bucket/ref.jpg") {
		t.Fatalf("expected asset stored under its key, got %v", cache.stored)
	}
}

func TestCachedSourceRetriesTimedOutLoad(t *testing.T) {
	const uri = "s3://bucket/ref.jpg"
	src := &stubFetcher{data: []byte("fresh")}
	cache := &stubCache{
		data:     map[string][]byte{cacheKey(uri): []byte("cached")},
		loadErrs: []error{timeoutError{}},
	}
	c := newTestCachedSource(src, cache)

	data, err := c.Fetch(context.Background(), uri)
	if err != nil || string(data) != "cached" {
		t.Fatalf("expected cached bytes after retry, got %q, %v", data, err)
	}
	if cache.loads != 2 || src.calls != 0 {
		t.Fatalf("expected 2 loads and no upstream fetch, got %d loads, %d fetches", cache.loads, src.calls)
	}
}

func TestCachedSourceRetriesStoreWhileRedisLoading(t *testing.T) {
	src := &stubFetcher{data: []byte("fresh")}
	cache := &stubCache{storeErrs: []error{replyError("LOADING Redis is loading the dataset in memory")}}
	c := newTestCachedSource(src, cache)

	if _, err := c.Fetch(context.Background(), "s3://bucket/ref.jpg"); err != nil {
		t.Fatal(err)
	}
	if len(cache.stored) != 2 || cache.stored[0] != cache.stored[1] {
		t.Fatalf("expected store to be retried on the same key, got %v", cache.stored)
	}
}

func TestCachedSourceSurvivesCacheOutage(t *testing.T) {
	src := &stubFetcher{data: []byte("fresh")}
	cache := &stubCache{loadErrs: []error{errors.New("connection refused")}, storeErrs: []error{errors.New("connection refused")}}
	c := newTestCachedSource(src, cache)

	data, err := c.Fetch(context.Background(), "file:///tmp/model.onnx")
	if err != nil || string(data) != "fresh" {
		t.Fatalf("expected upstream data despite cache errors, got %q, %v", data, err)
	}
	if cache.loads != 1 || len(cache.stored) != 1 {
		t.Fatalf("expected refused connections not to be retried, got %d loads, %d stores", cache.loads, len(cache.stored))
	}
}

func TestCachedSourceSkipsLargeAssets(t *testing.T) {
	src := &stubFetcher{data: make([]byte, 2048)}
	cache := &stubCache{}
	c := newTestCachedSource(src, cache)

	if _, err := c.Fetch(context.Background(), "big"); err != nil {
		t.Fatal(err)
	}
	if len(cache.stored) != 0 {
		t.Fatalf("expected large asset not to be cached, got %v", cache.stored)
	}
}

func TestCachedSourcePropagatesUpstreamError(t *testing.T) {
	c := newTestCachedSource(&stubFetcher{err: errors.New("404")}, &stubCache{})
	if _, err := c.Fetch(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCacheLoadErrorCarriesRequestID(t *testing.T) {
	c := newTestCachedSource(&stubFetcher{}, &stubCache{loadErrs: []error{errors.New("boom")}})
	_, _, err := c.load(context.Background(), "req-2", "k", zap.NewNop())
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "assets.cache_load" || opErr.RequestID != "req-2" {
		t.Fatalf("expected OperationError, got %v", err)
	}
}

func TestBackoffGivesUpAfterAttempts(t *testing.T) {
	b := backoff{attempts: 3, initial: time.Millisecond, max: time.Millisecond}
	calls, retried := 0, 0
	err := b.do(context.Background(), func() error {
		calls++
		return context.DeadlineExceeded
	}, func(int, error) { retried++ })
	if !errors.Is(err, context.DeadlineExceeded) || calls != 3 || retried != 2 {
		t.Fatalf("expected 3 calls and 2 retries, got %d, %d (%v)", calls, retried, err)
	}
}

func TestRetryableCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{timeoutError{}, true},
		{context.DeadlineExceeded, true},
		{replyError("TRYAGAIN multiple keys request during rehashing"), true},
		{replyError("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
		{redis.Nil, false},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := retryableCacheError(tt.err); got != tt.want {
			t.Errorf("retryableCacheError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRouterFileAndHTTP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "remote bytes")
	}))
	defer srv.Close()

	r := NewRouter(zap.NewNop(), 64)
	for uri, want := range map[string]string{
		path:               "jpeg bytes",
		"file://" + path:   "jpeg bytes",
		srv.URL + "/model": "remote bytes",
	} {
		got, err := r.Fetch(context.Background(), uri)
		if err != nil {
			t.Fatalf("Fetch(%s) failed: %v", uri, err)
		}
		if string(got) != want {
			t.Fatalf("Fetch(%s) = %q, want %q", uri, got, want)
		}
	}

	if _, err := r.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, err := r.Fetch(context.Background(), "ftp://host/file"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestRouterEnforcesSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRouter(zap.NewNop(), 10)
	if _, err := r.Fetch(context.Background(), path); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type stubS3 struct {
	s3iface.S3API
	input *s3.GetObjectInput
	body  string
}

func (s *stubS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	s.input = input
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(s.body)),
		ContentLength: aws.Int64(int64(len(s.body))),
	}, nil
}

func TestS3Fetcher(t *testing.T) {
	client := &stubS3{body: "model"}
	f := &S3Fetcher{client: client, maxSize: 1024}

	data, err := f.Fetch(context.Background(), "s3://models/facenet/v1.onnx")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "model" {
		t.Fatalf("unexpected data %q", data)
	}
	if aws.StringValue(client.input.Bucket) != "models" || aws.StringValue(client.input.Key) != "facenet/v1.onnx" {
		t.Fatalf("unexpected request %v", client.input)
	}
	if _, err := f.Fetch(context.Background(), "s3://bucket-only"); err == nil {
		t.Fatal("expected error for missing key")
	}
}
