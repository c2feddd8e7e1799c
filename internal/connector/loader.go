package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Loader resolves payload references to text under strict safety
// limits: URLs must match the host allowlist, files must live under a
// configured base directory, and both are size-capped.
type Loader struct {
	allowlist     []string
	maxFetchBytes int64
	fetchTimeout  time.Duration
	basedirs      []string
	maxFileBytes  int64
	client        *http.Client
}

// ErrPayloadDenied means the reference failed a safety check, not that
// the content was unavailable.
var ErrPayloadDenied = errors.New("connector: payload reference denied")

// NewLoader creates a payload loader with the given limits.
func NewLoader(allowlist []string, maxFetchBytes int64, fetchTimeout time.Duration, basedirs []string, maxFileBytes int64) *Loader {
	if maxFetchBytes <= 0 {
		maxFetchBytes = 10 << 20
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 10 << 20
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 15 * time.Second
	}
	resolved := make([]string, 0, len(basedirs))
	for _, dir := range basedirs {
		if abs, err := filepath.Abs(dir); err == nil {
			resolved = append(resolved, abs)
		}
	}
	return &Loader{
		allowlist:     allowlist,
		maxFetchBytes: maxFetchBytes,
		fetchTimeout:  fetchTimeout,
		basedirs:      resolved,
		maxFileBytes:  maxFileBytes,
		client:        &http.Client{Timeout: fetchTimeout},
	}
}

// Load resolves one payload reference. Supported schemes: http, https
// and file (or a bare path).
func (l *Loader) Load(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return l.fetchURL(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		return l.readFile(strings.TrimPrefix(ref, "file://"))
	default:
		return l.readFile(ref)
	}
}

// hostAllowed matches the host against the allowlist; a leading dot
// entry allows the domain and its subdomains.
func (l *Loader) hostAllowed(host string) bool {
	if len(l.allowlist) == 0 {
		return false
	}
	host = strings.ToLower(host)
	for _, entry := range l.allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) || host == strings.TrimPrefix(entry, ".") {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func (l *Loader) fetchURL(ctx context.Context, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPayloadDenied, "unparseable url")
	}
	if !l.hostAllowed(parsed.Hostname()) {
		return "", fmt.Errorf("%w: host %s not allowlisted", ErrPayloadDenied, parsed.Hostname())
	}

	ctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch payload: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxFetchBytes+1))
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	if int64(len(data)) > l.maxFetchBytes {
		return "", fmt.Errorf("%w: payload exceeds %d bytes", ErrPayloadDenied, l.maxFetchBytes)
	}
	return string(data), nil
}

// resolveFile applies the containment and size checks and returns the
// absolute path plus its stat info.
func (l *Loader) resolveFile(path string) (string, os.FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad path", ErrPayloadDenied)
	}
	allowed := false
	for _, dir := range l.basedirs {
		rel, err := filepath.Rel(dir, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", nil, fmt.Errorf("%w: path outside base directories", ErrPayloadDenied)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", nil, fmt.Errorf("stat payload: %w", err)
	}
	if info.Size() > l.maxFileBytes {
		return "", nil, fmt.Errorf("%w: file exceeds %d bytes", ErrPayloadDenied, l.maxFileBytes)
	}
	return abs, info, nil
}

func (l *Loader) readFile(path string) (string, error) {
	abs, _, err := l.resolveFile(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return string(data), nil
}
