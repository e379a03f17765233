// Package media resolves message media references (http(s) URLs and Matrix
// mxc URIs) into local files. Resolution is best-effort: failures degrade to
// an unresolved placeholder at the call site and never block the tracking
// pipeline beyond the fetch timeout.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/ymonai/atwatch/common/retry"
)

// DefaultFetchTimeout bounds a single media download. On expiry the caller
// falls back to the unresolved placeholder rather than waiting.
const DefaultFetchTimeout = 20 * time.Second

// maxDownloadBytes caps a single fetched media item (16 MiB).
const maxDownloadBytes = 16 << 20

// MXCDownloader fetches the content behind a Matrix mxc:// URI.
// *mautrix.Client satisfies this interface.
type MXCDownloader interface {
	DownloadBytes(ctx context.Context, uri id.ContentURI) ([]byte, error)
}

// Config holds resolver configuration.
type Config struct {
	// FetchTimeout bounds each download attempt. Default: 20s.
	FetchTimeout time.Duration

	// MXC handles mxc:// URIs. When nil, mxc references fail resolution and
	// keep their placeholder.
	MXC MXCDownloader

	// HTTPClient overrides the HTTP client used for http(s) URLs.
	HTTPClient *http.Client

	// CacheDir, when non-empty, is a shared cross-room cache keyed by the
	// same deterministic filename. Cache hits are copied into destDir
	// without refetching; the sweeper wipes the directory on its schedule.
	CacheDir string
}

// Resolver downloads media into per-room directories under content-hash
// derived filenames. Safe for concurrent use.
type Resolver struct {
	config Config
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	return &Resolver{config: cfg}
}

// Resolve downloads url into destDir and returns the local filename. The
// filename is derived deterministically from the reference, so resolving the
// same URL twice reuses the existing file without refetching.
func (r *Resolver) Resolve(ctx context.Context, destDir, url string) (string, error) {
	name := Filename(url)
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); err == nil {
		return name, nil
	}

	// Shared cache hit: copy into the room without refetching.
	if r.config.CacheDir != "" {
		if data, err := os.ReadFile(filepath.Join(r.config.CacheDir, name)); err == nil {
			if err := writeAtomic(destDir, dest, data); err != nil {
				return "", err
			}
			return name, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()

	var data []byte
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond}, func() error {
		var fetchErr error
		data, fetchErr = r.fetch(ctx, url)
		return fetchErr
	})
	if err != nil {
		return "", fmt.Errorf("media: fetch %s: %w", url, err)
	}

	if err := writeAtomic(destDir, dest, data); err != nil {
		return "", err
	}
	if r.config.CacheDir != "" {
		// Cache population is best-effort; the room copy is the durable one.
		cached := filepath.Join(r.config.CacheDir, name)
		if err := writeAtomic(r.config.CacheDir, cached, data); err != nil {
			slog.Debug("media: populate shared cache", "url", url, "err", err)
		}
	}
	return name, nil
}

// writeAtomic writes data under a unique temp name, then renames: a
// concurrent resolver for the same URL must never observe a half-written
// file.
func writeAtomic(dir, dest string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("media: create dir %s: %w", dir, err)
	}
	tmp := dest + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("media: write %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("media: rename %s: %w", dest, err)
	}
	return nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "mxc://") {
		if r.config.MXC == nil {
			return nil, fmt.Errorf("no mxc downloader configured")
		}
		uri, err := id.ParseContentURI(url)
		if err != nil {
			return nil, fmt.Errorf("parse mxc uri: %w", err)
		}
		return r.config.MXC.DownloadBytes(ctx, uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

// Filename derives the deterministic local filename for a media reference:
// the hex hash of the reference plus its extension (when the reference
// carries a recognizable one).
func Filename(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:])[:16]
	if ext := path.Ext(strings.SplitN(path.Base(url), "?", 2)[0]); ext != "" && len(ext) <= 5 {
		name += ext
	}
	return name
}
