package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"imageforge/internal/domain"
)

// StabilityOptions configures the Stability adapter.
type StabilityOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// StabilityClient calls the Stability stable-image API. The endpoint takes a
// multipart form and answers with a JSON object carrying the image as a
// base64 field, which is normalized to raw bytes here.
type StabilityClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type stabilityResponse struct {
	Image        string `json:"image"`
	FinishReason string `json:"finish_reason"`
	Seed         int64  `json:"seed"`
}

type stabilityErrorResponse struct {
	Name   string   `json:"name"`
	Errors []string `json:"errors"`
}

// NewStabilityClient constructs the adapter with sane defaults.
func NewStabilityClient(opts StabilityOptions) *StabilityClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stability.ai"
	}
	return &StabilityClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *StabilityClient) Name() string {
	return string(domain.ProviderStability)
}

func (c *StabilityClient) aspectRatio(size domain.OutputSize) string {
	switch size {
	case domain.SizePortrait:
		return "2:3"
	case domain.SizeLandscape:
		return "3:2"
	default:
		return "1:1"
	}
}

func (c *StabilityClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindInvalidRequest, Message: "prompt is required"}
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("prompt", prompt)
	_ = form.WriteField("output_format", "png")
	if req.SourceImageURL != "" {
		source, mime, err := fetchSource(ctx, c.httpClient, c.Name(), req.SourceImageURL)
		if err != nil {
			return nil, err
		}
		filename := "source.png"
		if strings.Contains(mime, "jpeg") {
			filename = "source.jpg"
		}
		part, err := form.CreateFormFile("image", filename)
		if err != nil {
			return nil, fmt.Errorf("stability: build form: %w", err)
		}
		if _, err := part.Write(source); err != nil {
			return nil, fmt.Errorf("stability: write form: %w", err)
		}
		_ = form.WriteField("mode", "image-to-image")
		_ = form.WriteField("strength", "0.7")
	} else {
		// aspect_ratio is only accepted in text-to-image mode; an init image
		// fixes the dimensions.
		_ = form.WriteField("aspect_ratio", c.aspectRatio(req.Size))
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("stability: close form: %w", err)
	}

	endpoint := c.baseURL + "/v2beta/stable-image/generate/sd3"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("stability: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(c.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(c.Name(), err)
	}
	if resp.StatusCode >= 300 {
		var detail stabilityErrorResponse
		if json.Unmarshal(raw, &detail) == nil && len(detail.Errors) > 0 {
			return nil, classifyStatus(c.Name(), resp.StatusCode, strings.Join(detail.Errors, "; "))
		}
		return nil, classifyStatus(c.Name(), resp.StatusCode, string(raw))
	}

	var decoded stabilityResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Err: err}
	}
	if decoded.FinishReason != "" && decoded.FinishReason != "SUCCESS" {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: "finish reason " + decoded.FinishReason}
	}
	if decoded.Image == "" {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: "empty image payload"}
	}
	data, err := base64.StdEncoding.DecodeString(decoded.Image)
	if err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: "image payload is not base64"}
	}

	return &Result{
		Data:     data,
		MIME:     "image/png",
		Provider: c.Name(),
		Model:    "sd3",
	}, nil
}

var _ Generator = (*StabilityClient)(nil)
