// Package image provides the uniform adapter layer over external
// image-generation providers. Adapters normalize provider-native response
// shapes to a single Result carrying either raw bytes or a canonical URL.
package image

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"imageforge/internal/domain"
)

// Request describes a normalized generation request passed to any adapter.
type Request struct {
	Prompt string
	Size   domain.OutputSize
	// SourceImageURL, when set, switches the adapter into image-conditioned
	// mode. It must be a provider-reachable URL.
	SourceImageURL string
	RequestID      string
}

// Result is the normalized provider output: either Data holds the image
// bytes, or URL points at the provider-hosted output for the materializer to
// fetch. Never both empty on success.
type Result struct {
	URL      string
	Data     []byte
	MIME     string
	Provider string
	Model    string
}

// Generator is the contract implemented by all provider adapters.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// maxSourceImageBytes bounds how much of a conditioning image an adapter
// will fetch before re-uploading it to the provider.
const maxSourceImageBytes = 20 << 20

// fetchSource downloads the conditioning image for adapters whose APIs take
// the image as an upload rather than a URL.
func fetchSource(ctx context.Context, client *http.Client, provider, sourceURL string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", &ProviderError{Provider: provider, Kind: KindInvalidRequest, Message: fmt.Sprintf("invalid source image url %q", sourceURL)}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, "", wrapTransport(provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", &ProviderError{Provider: provider, Kind: KindNetwork, Message: fmt.Sprintf("source image fetch status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceImageBytes+1))
	if err != nil {
		return nil, "", wrapTransport(provider, err)
	}
	if len(data) > maxSourceImageBytes {
		return nil, "", &ProviderError{Provider: provider, Kind: KindInvalidRequest, Message: "source image exceeds size limit"}
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return data, mime, nil
}
