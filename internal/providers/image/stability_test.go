package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"imageforge/internal/domain"
)

func TestStabilityGenerateDecodesImageField(t *testing.T) {
	want := []byte{0x89, 'P', 'N', 'G', 0x0d}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2beta/stable-image/generate/sd3" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("prompt"); got != "a castle" {
			t.Errorf("prompt = %q", got)
		}
		if got := r.FormValue("aspect_ratio"); got != "2:3" {
			t.Errorf("aspect_ratio = %q, want 2:3", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"image":         base64.StdEncoding.EncodeToString(want),
			"finish_reason": "SUCCESS",
		})
	}))
	defer server.Close()

	client := NewStabilityClient(StabilityOptions{APIKey: "test-key", BaseURL: server.URL})
	result, err := client.Generate(context.Background(), Request{Prompt: "a castle", Size: domain.SizePortrait})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(result.Data, want) {
		t.Fatalf("data mismatch")
	}
	if result.MIME != "image/png" {
		t.Fatalf("mime = %q", result.MIME)
	}
}

func TestStabilityGenerateImageToImageMode(t *testing.T) {
	source := []byte{0x01, 0x02, 0x03}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/src.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(source)
		case "/v2beta/stable-image/generate/sd3":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if got := r.FormValue("mode"); got != "image-to-image" {
				t.Errorf("mode = %q", got)
			}
			if got := r.FormValue("aspect_ratio"); got != "" {
				t.Errorf("aspect_ratio should be omitted with an init image, got %q", got)
			}
			if len(r.MultipartForm.File["image"]) == 0 {
				t.Errorf("missing init image part")
			}
			json.NewEncoder(w).Encode(map[string]any{
				"image": base64.StdEncoding.EncodeToString(source),
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewStabilityClient(StabilityOptions{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), Request{
		Prompt:         "repaint",
		SourceImageURL: server.URL + "/src.png",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
}

func TestStabilityGenerateFilteredResultIsBadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"image":         base64.StdEncoding.EncodeToString([]byte{0x00}),
			"finish_reason": "CONTENT_FILTERED",
		})
	}))
	defer server.Close()

	client := NewStabilityClient(StabilityOptions{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "a castle"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindBadResponse {
		t.Fatalf("expected bad_response, got %v", err)
	}
}

func TestStabilityGenerateClassifiesPaymentRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"name":   "payment_required",
			"errors": []string{"insufficient balance"},
		})
	}))
	defer server.Close()

	client := NewStabilityClient(StabilityOptions{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), Request{Prompt: "a castle"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindQuotaExhausted {
		t.Fatalf("expected quota_exhausted, got %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("quota exhaustion should not be retried")
	}
}
