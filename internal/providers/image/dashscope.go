package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imageforge/internal/domain"
	"imageforge/internal/infra"
)

// DashScopeOptions configures the DashScope multimodal-generation adapter.
type DashScopeOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// DashScopeClient calls the DashScope multimodal-generation API. The result
// image arrives as a URL nested in choices -> message -> content; the
// adapter surfaces that URL and leaves downloading to the materializer.
type DashScopeClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type dashScopeRequest struct {
	Model      string           `json:"model"`
	Input      dashScopeInput   `json:"input"`
	Parameters dashScopeParams  `json:"parameters"`
}

type dashScopeInput struct {
	Messages []dashScopeMessage `json:"messages"`
}

type dashScopeMessage struct {
	Role    string             `json:"role"`
	Content []dashScopeContent `json:"content"`
}

type dashScopeContent struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type dashScopeParams struct {
	Size string `json:"size,omitempty"`
}

type dashScopeResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content []struct {
					Image string `json:"image"`
				} `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewDashScopeClient constructs the adapter with sane defaults and injected
// dependencies.
func NewDashScopeClient(opts DashScopeOptions) *DashScopeClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "qwen-image-plus"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &DashScopeClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *DashScopeClient) Name() string {
	return string(domain.ProviderDashScope)
}

func (c *DashScopeClient) sizeParam(size domain.OutputSize) string {
	switch size {
	case domain.SizePortrait:
		return "1140*1472"
	case domain.SizeLandscape:
		return "1472*1104"
	default:
		return "1328*1328"
	}
}

func (c *DashScopeClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindInvalidRequest, Message: "prompt is required"}
	}

	content := []dashScopeContent{{Text: prompt}}
	if req.SourceImageURL != "" {
		content = append(content, dashScopeContent{Image: req.SourceImageURL})
	}
	payload := dashScopeRequest{
		Model: c.model,
		Input: dashScopeInput{
			Messages: []dashScopeMessage{{Role: "user", Content: content}},
		},
		Parameters: dashScopeParams{Size: c.sizeParam(req.Size)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dashscope: encode request: %w", err)
	}

	endpoint := c.baseURL + "/services/aigc/multimodal-generation/generation"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dashscope: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
		return nil, classifyStatus(c.Name(), resp.StatusCode, string(raw))
	}

	var decoded dashScopeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Err: err}
	}
	if decoded.Code != "" {
		msg := fmt.Sprintf("%s (%s)", decoded.Message, decoded.Code)
		if strings.Contains(strings.ToLower(decoded.Code), "throttling") {
			return nil, &ProviderError{Provider: c.Name(), Kind: KindRateLimited, Message: msg}
		}
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: msg}
	}

	imageURL := firstImageURL(decoded)
	if imageURL == "" {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: "empty image url"}
	}
	if parsed, err := url.Parse(imageURL); err != nil || parsed.Scheme == "" {
		return nil, &ProviderError{Provider: c.Name(), Kind: KindBadResponse, Message: fmt.Sprintf("invalid image url %q", imageURL)}
	}

	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", decoded.RequestID).
		Str("url", imageURL).
		Msg("dashscope: generated image")

	return &Result{
		URL:      imageURL,
		MIME:     "image/png",
		Provider: c.Name(),
		Model:    c.model,
	}, nil
}

func firstImageURL(resp dashScopeResponse) string {
	for _, choice := range resp.Output.Choices {
		for _, content := range choice.Message.Content {
			if u := strings.TrimSpace(content.Image); u != "" {
				return u
			}
		}
	}
	return ""
}

var _ Generator = (*DashScopeClient)(nil)
