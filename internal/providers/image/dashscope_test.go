package image

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"imageforge/internal/domain"
)

func TestDashScopeGenerateNormalizesNestedURL(t *testing.T) {
	var gotReq dashScopeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/aigc/multimodal-generation/generation" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"choices": []any{
					map[string]any{
						"message": map[string]any{
							"content": []any{
								map[string]any{"image": "https://dashscope.example.com/out.png"},
							},
						},
					},
				},
			},
			"request_id": "req-1",
		})
	}))
	defer server.Close()

	client := NewDashScopeClient(DashScopeOptions{APIKey: "test-key", BaseURL: server.URL})
	result, err := client.Generate(context.Background(), Request{Prompt: "a bowl of ramen", Size: domain.SizeLandscape})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.URL != "https://dashscope.example.com/out.png" {
		t.Fatalf("url = %q", result.URL)
	}
	if gotReq.Parameters.Size != "1472*1104" {
		t.Fatalf("size param = %q, want 1472*1104", gotReq.Parameters.Size)
	}
	if len(gotReq.Input.Messages) != 1 || len(gotReq.Input.Messages[0].Content) != 1 {
		t.Fatalf("unexpected message payload: %#v", gotReq.Input)
	}
}

func TestDashScopeGenerateIncludesSourceImage(t *testing.T) {
	var gotReq dashScopeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"choices": []any{
					map[string]any{
						"message": map[string]any{
							"content": []any{map[string]any{"image": "https://dashscope.example.com/out.png"}},
						},
					},
				},
			},
		})
	}))
	defer server.Close()

	client := NewDashScopeClient(DashScopeOptions{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), Request{
		Prompt:         "enhance this",
		SourceImageURL: "https://cdn.example.com/src.png",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	content := gotReq.Input.Messages[0].Content
	if len(content) != 2 || content[1].Image != "https://cdn.example.com/src.png" {
		t.Fatalf("source image not forwarded: %#v", content)
	}
}

func TestDashScopeGenerateEmptyChoicesIsBadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{"choices": []any{}}})
	}))
	defer server.Close()

	client := NewDashScopeClient(DashScopeOptions{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "a cat"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindBadResponse {
		t.Fatalf("expected bad_response, got %v", err)
	}
}

func TestDashScopeGenerateClassifiesThrottling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code":    "Throttling.RateQuota",
			"message": "Requests throttled",
		})
	}))
	defer server.Close()

	client := NewDashScopeClient(DashScopeOptions{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "a cat"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
}

func TestDashScopeGenerateClassifiesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream busy"))
	}))
	defer server.Close()

	client := NewDashScopeClient(DashScopeOptions{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "a cat"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("5xx should be transient")
	}
}
