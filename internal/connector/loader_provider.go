package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/activegraph/activegraph/pkg/models"
)

// configURIs reads the configured document list out of a decrypted
// connector config. Missing or malformed entries are skipped.
func configURIs(cfg models.Document) []string {
	raw, ok := cfg["uris"].([]interface{})
	if !ok {
		return nil
	}
	uris := make([]string, 0, len(raw))
	for _, entry := range raw {
		if uri, ok := entry.(string); ok && uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris
}

// WebProvider serves http(s) documents through the payload loader's
// allowlist and size limits.
type WebProvider struct {
	loader *Loader
}

// NewWebProvider creates the web provider.
func NewWebProvider(loader *Loader) *WebProvider {
	return &WebProvider{loader: loader}
}

func (p *WebProvider) Name() string { return "web" }

// Stat issues a HEAD request so the worker can skip unchanged bodies.
func (p *WebProvider) Stat(ctx context.Context, cfg models.Document, uri string) (*Item, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable url", ErrPayloadDenied)
	}
	if !p.loader.hostAllowed(parsed.Hostname()) {
		return nil, fmt.Errorf("%w: host %s not allowlisted", ErrPayloadDenied, parsed.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.loader.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", uri, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stat %s: status %d", uri, resp.StatusCode)
	}

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		etag = resp.Header.Get("Last-Modified")
	}
	return &Item{
		URI:   uri,
		Title: titleFromURI(parsed.Path),
		ETag:  etag,
	}, nil
}

func (p *WebProvider) FetchText(ctx context.Context, cfg models.Document, uri string) (string, *Item, error) {
	item, err := p.Stat(ctx, cfg, uri)
	if err != nil {
		return "", nil, err
	}
	text, err := p.loader.Load(ctx, uri)
	if err != nil {
		return "", nil, err
	}
	return text, item, nil
}

// ListChanges walks the configured uris once; there is no server-side
// feed, so the second page is always empty.
func (p *WebProvider) ListChanges(ctx context.Context, cfg models.Document, cursor string) ([]Change, string, error) {
	if cursor != "" {
		return nil, "", nil
	}
	uris := configURIs(cfg)
	changes := make([]Change, 0, len(uris))
	for _, uri := range uris {
		changes = append(changes, Change{Item: Item{URI: uri}})
	}
	return changes, "", nil
}

// FileProvider serves documents from the configured base directories.
type FileProvider struct {
	loader *Loader
}

// NewFileProvider creates the file provider.
func NewFileProvider(loader *Loader) *FileProvider {
	return &FileProvider{loader: loader}
}

func (p *FileProvider) Name() string { return "file" }

// Stat derives the version tag from the file's mtime and size, which
// is cheap and survives restarts.
func (p *FileProvider) Stat(ctx context.Context, cfg models.Document, uri string) (*Item, error) {
	clean := strings.TrimPrefix(uri, "file://")
	abs, info, err := p.loader.resolveFile(clean)
	if err != nil {
		return nil, err
	}
	return &Item{
		URI:   uri,
		Title: titleFromURI(abs),
		ETag:  fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
	}, nil
}

func (p *FileProvider) FetchText(ctx context.Context, cfg models.Document, uri string) (string, *Item, error) {
	item, err := p.Stat(ctx, cfg, uri)
	if err != nil {
		return "", nil, err
	}
	text, err := p.loader.Load(ctx, uri)
	if err != nil {
		return "", nil, err
	}
	return text, item, nil
}

func (p *FileProvider) ListChanges(ctx context.Context, cfg models.Document, cursor string) ([]Change, string, error) {
	if cursor != "" {
		return nil, "", nil
	}
	var changes []Change
	for _, uri := range configURIs(cfg) {
		clean := strings.TrimPrefix(uri, "file://")
		if strings.ContainsAny(clean, "*?[") {
			matches, err := filepath.Glob(clean)
			if err != nil {
				continue
			}
			for _, m := range matches {
				changes = append(changes, Change{Item: Item{URI: m}})
			}
			continue
		}
		changes = append(changes, Change{Item: Item{URI: uri}})
	}
	return changes, "", nil
}

// titleFromURI extracts a readable title from the path component.
func titleFromURI(p string) string {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return p
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
