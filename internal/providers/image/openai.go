package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"imageforge/internal/domain"
)

// ErrMissingAPIKey indicates an adapter was configured without credentials.
var ErrMissingAPIKey = errors.New("image: api key is required")

// OpenAIOptions configures the OpenAI Images adapter.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAIClient calls the OpenAI Images API. Responses arrive as a data array
// whose entries carry either a URL or base64 bytes; both are normalized to a
// Result here.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type openAIImageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewOpenAIClient constructs the adapter with sane defaults.
func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-image-1"
	}
	return &OpenAIClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}
}

func (c *OpenAIClient) Name() string {
	return string(domain.ProviderOpenAI)
}

func (c *OpenAIClient) sizeParam(size domain.OutputSize) string {
	switch size {
	case domain.SizePortrait:
		return "1024x1536"
	case domain.SizeLandscape:
		return "1536x1024"
	default:
		return "1024x1024"
	}
}

// Generate runs a text-to-image call, or an image edit when a source image
// is supplied.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindInvalidRequest, Message: "prompt is required"}
	}

	var resp *http.Response
	var err error
	if req.SourceImageURL == "" {
		resp, err = c.postGenerations(ctx, prompt, req.Size)
	} else {
		resp, err = c.postEdits(ctx, prompt, req)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(c.Name(), err)
	}
	if resp.StatusCode >= 300 {
		var detail openAIErrorResponse
		if json.Unmarshal(raw, &detail) == nil && detail.Error.Message != "" {
			if detail.Error.Type == "insufficient_quota" || detail.Error.Code == "insufficient_quota" {
				return nil, &ProviderError{Provider: c.Name(), Kind: KindQuotaExhausted, Message: detail.Error.Message}
			}
			return nil, classifyStatus(c.Name(), resp.StatusCode, detail.Error.Message)
		}
		return nil, classifyStatus(c.Name(), resp.StatusCode, string(raw))
	}

	var decoded openAIImageResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Err: err}
	}
	if len(decoded.Data) == 0 {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: "empty data array"}
	}

	entry := decoded.Data[0]
	result := &Result{MIME: "image/png", Provider: c.Name(), Model: c.model}
	switch {
	case entry.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(entry.B64JSON)
		if err != nil {
			return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: "b64_json payload is not base64"}
		}
		result.Data = data
	case entry.URL != "":
		result.URL = entry.URL
	default:
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: "data entry has neither url nor b64_json"}
	}
	return result, nil
}

func (c *OpenAIClient) postGenerations(ctx context.Context, prompt string, size domain.OutputSize) (*http.Response, error) {
	payload := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"n":      1,
		"size":   c.sizeParam(size),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(c.Name(), err)
	}
	return resp, nil
}

// postEdits uploads the conditioning image to the edits endpoint, which only
// accepts multipart bodies.
func (c *OpenAIClient) postEdits(ctx context.Context, prompt string, req Request) (*http.Response, error) {
	source, mime, err := fetchSource(ctx, c.httpClient, c.Name(), req.SourceImageURL)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("model", c.model)
	_ = form.WriteField("prompt", prompt)
	_ = form.WriteField("size", c.sizeParam(req.Size))
	filename := "source.png"
	if strings.Contains(mime, "jpeg") {
		filename = "source.jpg"
	}
	part, err := form.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("openai: build form: %w", err)
	}
	if _, err := part.Write(source); err != nil {
		return nil, fmt.Errorf("openai: write form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("openai: close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/edits", &buf)
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(c.Name(), err)
	}
	return resp, nil
}

var _ Generator = (*OpenAIClient)(nil)
