// Package assets fetches model files and reference images from local disk,
// HTTP(S) or S3.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

// DefaultMaxSize bounds remote downloads.
const DefaultMaxSize int64 = 256 << 20

// ErrTooLarge is returned when an asset exceeds the configured size limit.
var ErrTooLarge = errors.New("asset exceeds size limit")

// Fetcher fetches one URI scheme.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Router dispatches by URI scheme. Bare paths and file:// go to the local
// fetcher.
type Router struct {
	schemes map[string]Fetcher
	logger  *zap.Logger
}

// NewRouter returns a router with file, http and https registered.
func NewRouter(logger *zap.Logger, maxSize int64) *Router {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	httpFetcher := &HTTPFetcher{Client: &http.Client{Timeout: 2 * time.Minute}, MaxSize: maxSize}
	r := &Router{schemes: map[string]Fetcher{}, logger: logger.Named("assets")}
	r.Register("file", FileFetcher{MaxSize: maxSize})
	r.Register("http", httpFetcher)
	r.Register("https", httpFetcher)
	return r
}

// Register adds or replaces the fetcher for scheme.
func (r *Router) Register(scheme string, f Fetcher) {
	r.schemes[strings.ToLower(scheme)] = f
}

// Fetch implements face.AssetSource.
func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, error) {
	scheme := "file"
	if u, err := url.Parse(uri); err == nil && len(u.Scheme) > 1 {
		// single-letter schemes are Windows drive letters
		scheme = strings.ToLower(u.Scheme)
	}
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, logging.NewOperationError("assets.fetch", "", fmt.Errorf("unsupported scheme %q in %s", scheme, uri))
	}
	start := time.Now()
	data, err := f.Fetch(ctx, uri)
	if err != nil {
		wrapped := logging.NewOperationError("assets.fetch", "", err)
		r.logger.Error("asset fetch failed", zap.String("uri", uri), zap.Error(wrapped))
		return nil, wrapped
	}
	r.logger.Info("asset fetched", zap.String("uri", uri), zap.Int("bytes", len(data)), zap.Duration("elapsed", time.Since(start)))
	return data, nil
}

// FileFetcher reads local files.
type FileFetcher struct {
	MaxSize int64
}

// Fetch implements Fetcher.
func (f FileFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(uri, "file://")
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readLimited(file, f.MaxSize)
}

// HTTPFetcher downloads over HTTP(S).
type HTTPFetcher struct {
	Client  *http.Client
	MaxSize int64
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", uri, resp.StatusCode)
	}
	if resp.ContentLength > f.MaxSize && f.MaxSize > 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	return readLimited(resp.Body, f.MaxSize)
}

func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxSize)
	}
	return data, nil
}
