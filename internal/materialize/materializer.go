// Package materialize moves provider output into owned object storage.
package materialize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/disintegration/imaging"

	"imageforge/internal/domain"
	"imageforge/internal/providers/image"
	"imageforge/internal/storage"
)

// maxOutputBytes bounds how much provider output is fetched per job.
const maxOutputBytes = 50 << 20

// Materializer fetches raw provider output, re-encodes it to PNG, writes it
// to the object store under a key scoped by user and job identity, and
// returns a stable URL. Fetch and store failures surface as generation
// failures for the attempt, never silently.
type Materializer struct {
	store      storage.Store
	httpClient *http.Client
	urlTTL     time.Duration
}

// New wires a Materializer.
func New(store storage.Store, httpClient *http.Client, urlTTL time.Duration) *Materializer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if urlTTL <= 0 {
		urlTTL = 24 * time.Hour
	}
	return &Materializer{store: store, httpClient: httpClient, urlTTL: urlTTL}
}

// Materialize persists one provider result and returns its stable URL.
func (m *Materializer) Materialize(ctx context.Context, gen *domain.Generation, out *image.Result) (string, error) {
	data := out.Data
	if len(data) == 0 {
		fetched, err := m.download(ctx, out.Provider, out.URL)
		if err != nil {
			return "", err
		}
		data = fetched
	}

	// Normalize whatever encoding the provider produced to PNG so stored
	// outputs are uniform.
	decoded, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &image.ProviderError{Provider: out.Provider, Kind: image.KindBadResponse, Message: "undecodable image payload", Err: err}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, decoded, imaging.PNG); err != nil {
		return "", fmt.Errorf("materialize: encode png: %w", err)
	}

	key := fmt.Sprintf("generations/%s/%s/output.png", gen.UserID, gen.ID)
	storedKey, err := m.store.Put(ctx, key, buf.Bytes(), "image/png")
	if err != nil {
		return "", fmt.Errorf("materialize: store output: %w", err)
	}
	stableURL, err := m.store.URL(ctx, storedKey, m.urlTTL)
	if err != nil {
		return "", fmt.Errorf("materialize: resolve output url: %w", err)
	}
	return stableURL, nil
}

func (m *Materializer) download(ctx context.Context, provider, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &image.ProviderError{Provider: provider, Kind: image.KindBadResponse, Message: fmt.Sprintf("invalid output url %q", rawURL)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("materialize: build download request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		// Network failures while fetching keep their transient
		// classification so the attempt can be retried.
		return nil, &image.ProviderError{Provider: provider, Kind: image.KindNetwork, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &image.ProviderError{Provider: provider, Kind: image.KindNetwork, Message: fmt.Sprintf("download status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes+1))
	if err != nil {
		return nil, &image.ProviderError{Provider: provider, Kind: image.KindNetwork, Err: err}
	}
	if len(data) > maxOutputBytes {
		return nil, fmt.Errorf("materialize: output exceeds size limit")
	}
	return data, nil
}
