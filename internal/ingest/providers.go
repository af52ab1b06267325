package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/PRSENTINEL/internal/types"
	"gopkg.in/yaml.v3"
)

// maxBundleBytes caps a remote bundle body
const maxBundleBytes = 8 << 20

// Bundle is the document a source publishes
type Bundle struct {
	Items []types.KnowledgeItem `yaml:"items" json:"items"`
}

// Provider fetches the complete item set of a source
type Provider interface {
	Fetch(ctx context.Context, src types.KnowledgeSource) ([]types.KnowledgeItem, error)
}

// FileProvider reads a YAML bundle from a file:// URL or a plain path
type FileProvider struct{}

// Fetch implements Provider
func (FileProvider) Fetch(ctx context.Context, src types.KnowledgeSource) ([]types.KnowledgeItem, error) {
	path, err := filePath(src.URL)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing bundle %s: %w", path, err)
	}
	return b.Items, nil
}

func filePath(raw string) (string, error) {
	if !strings.HasPrefix(raw, "file://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid file url %q: %w", raw, err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return u.Host + u.Path, nil
	}
	return u.Path, nil
}

// HTTPProvider downloads a JSON or YAML bundle
type HTTPProvider struct {
	Client *http.Client
}

// Fetch implements Provider
func (p HTTPProvider) Fetch(ctx context.Context, src types.KnowledgeSource) ([]types.KnowledgeItem, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", src.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", src.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src.URL, err)
	}

	var b Bundle
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err = json.Unmarshal(body, &b)
	} else {
		// YAML is a superset of JSON
		err = yaml.Unmarshal(body, &b)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing bundle from %s: %w", src.URL, err)
	}
	return b.Items, nil
}

// InlineProvider serves items supplied through configuration
type InlineProvider struct {
	mu    sync.RWMutex
	items map[string][]types.KnowledgeItem
}

// NewInlineProvider creates an empty inline provider
func NewInlineProvider() *InlineProvider {
	return &InlineProvider{items: make(map[string][]types.KnowledgeItem)}
}

// Set replaces the items served for sourceID
func (p *InlineProvider) Set(sourceID string, items []types.KnowledgeItem) {
	cp := make([]types.KnowledgeItem, len(items))
	copy(cp, items)
	p.mu.Lock()
	p.items[sourceID] = cp
	p.mu.Unlock()
}

// Fetch implements Provider
func (p *InlineProvider) Fetch(_ context.Context, src types.KnowledgeSource) ([]types.KnowledgeItem, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	items, ok := p.items[src.ID]
	if !ok {
		return nil, fmt.Errorf("no inline items configured for %s", src.ID)
	}
	out := make([]types.KnowledgeItem, len(items))
	copy(out, items)
	return out, nil
}

// scheme maps a source URL to a provider key
func scheme(raw string) string {
	if raw == "" || raw == "inline" {
		return "inline"
	}
	if i := strings.Index(raw, "://"); i > 0 {
		return strings.ToLower(raw[:i])
	}
	return "file"
}
