package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"imageforge/internal/domain"
	"imageforge/internal/http/handlers"
	"imageforge/internal/http/httpapi"
	"imageforge/internal/ledger"
)

type stubQueue struct {
	enqueued []string
	fail     bool
}

func (q *stubQueue) Enqueue(ctx context.Context, generationID string) error {
	if q.fail {
		return errors.New("redis down")
	}
	q.enqueued = append(q.enqueued, generationID)
	return nil
}

func newTestApp(t *testing.T) (*ledger.MemoryStore, *stubQueue, http.Handler) {
	t.Helper()
	store := ledger.NewMemoryStore()
	store.SeedUser(&domain.User{ID: "user-1", Email: "u@example.com", Credits: 10})
	store.SeedPreset(&domain.Preset{
		ID:         "preset-1",
		Name:       "Product Shot",
		Template:   "studio photo of {{subject}}",
		Provider:   domain.ProviderOpenAI,
		CreditCost: 3,
		Active:     true,
	})
	store.SeedPreset(&domain.Preset{
		ID:         "preset-off",
		Name:       "Retired",
		Template:   "x",
		Provider:   domain.ProviderOpenAI,
		CreditCost: 1,
	})
	queue := &stubQueue{}
	app := handlers.NewApp(store, store.Users(), store.Presets(), queue, zerolog.Nop())
	return store, queue, httpapi.NewRouter(app)
}

func postGeneration(t *testing.T, router http.Handler, body map[string]any, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validBody() map[string]any {
	return map[string]any{
		"user_id":      "user-1",
		"preset_id":    "preset-1",
		"output_size":  "square",
		"input_values": map[string]string{"subject": "a red mug"},
	}
}

func TestCreateGeneration(t *testing.T) {
	store, queue, router := newTestApp(t)

	rec := postGeneration(t, router, validBody(), "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp handlers.GenerationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "QUEUED" {
		t.Fatalf("status = %s, want QUEUED", resp.Status)
	}
	if resp.CreditsUsed != 3 {
		t.Fatalf("credits_used = %d, want snapshot 3", resp.CreditsUsed)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != resp.ID {
		t.Fatalf("enqueued = %v", queue.enqueued)
	}
	if _, err := store.GetByID(context.Background(), resp.ID); err != nil {
		t.Fatalf("row not persisted: %v", err)
	}
}

func TestCreateGenerationValidation(t *testing.T) {
	_, queue, router := newTestApp(t)

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing user", map[string]any{"preset_id": "preset-1", "output_size": "square"}, http.StatusBadRequest},
		{"bad size", map[string]any{"user_id": "user-1", "preset_id": "preset-1", "output_size": "huge"}, http.StatusBadRequest},
		{"reserved key", map[string]any{
			"user_id": "user-1", "preset_id": "preset-1", "output_size": "square",
			"input_values": map[string]string{"__internal": "x"},
		}, http.StatusBadRequest},
		{"unknown user", map[string]any{"user_id": "ghost", "preset_id": "preset-1", "output_size": "square"}, http.StatusNotFound},
		{"unknown preset", map[string]any{"user_id": "user-1", "preset_id": "ghost", "output_size": "square"}, http.StatusNotFound},
		{"inactive preset", map[string]any{"user_id": "user-1", "preset_id": "preset-off", "output_size": "square"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rec := postGeneration(t, router, tc.body, "")
		if rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d (body %s)", tc.name, rec.Code, tc.code, rec.Body.String())
		}
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("invalid requests enqueued: %v", queue.enqueued)
	}

	// Source image reference is allowed through the reserved-prefix check.
	body := validBody()
	body["input_values"] = map[string]string{"subject": "mug", "__source_image": "uploads/u1/src.png"}
	rec := postGeneration(t, router, body, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("source image request: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateGenerationIdempotencyReplay(t *testing.T) {
	_, queue, router := newTestApp(t)

	first := postGeneration(t, router, validBody(), "req-1")
	if first.Code != http.StatusAccepted {
		t.Fatalf("first: status = %d", first.Code)
	}
	var a handlers.GenerationResp
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}

	second := postGeneration(t, router, validBody(), "req-1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay: status = %d, want 200", second.Code)
	}
	var b handlers.GenerationResp
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("replay created new row: %s vs %s", a.ID, b.ID)
	}

	// A different key makes a different job.
	third := postGeneration(t, router, validBody(), "req-2")
	if third.Code != http.StatusAccepted {
		t.Fatalf("new key: status = %d", third.Code)
	}
	var c handlers.GenerationResp
	if err := json.Unmarshal(third.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.ID == a.ID {
		t.Fatal("distinct keys shared a row")
	}
	_ = queue
}

func TestCreateGenerationQueueDown(t *testing.T) {
	store, queue, router := newTestApp(t)
	queue.fail = true

	rec := postGeneration(t, router, validBody(), "req-1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	// The row survived, so a replay with the same key resubmits it once the
	// queue is back.
	queue.fail = false
	rec = postGeneration(t, router, validBody(), "req-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: status = %d, want 200", rec.Code)
	}
	var resp handlers.GenerationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != resp.ID {
		t.Fatalf("enqueued = %v, want [%s]", queue.enqueued, resp.ID)
	}
	if g, err := store.GetByID(context.Background(), resp.ID); err != nil || g.Status != domain.StatusQueued {
		t.Fatalf("row = %+v err = %v", g, err)
	}
}

func TestGetGeneration(t *testing.T) {
	_, _, router := newTestApp(t)

	rec := postGeneration(t, router, validBody(), "")
	var created handlers.GenerationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/"+created.ID, nil)
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("status = %d", out.Code)
	}
	var got handlers.GenerationResp
	if err := json.Unmarshal(out.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != created.ID || got.Status != "QUEUED" {
		t.Fatalf("got = %+v", got)
	}

	miss := httptest.NewRecorder()
	router.ServeHTTP(miss, httptest.NewRequest(http.MethodGet, "/v1/generations/ghost", nil))
	if miss.Code != http.StatusNotFound {
		t.Fatalf("missing row: status = %d", miss.Code)
	}
}

func TestCancelGeneration(t *testing.T) {
	store, _, router := newTestApp(t)

	rec := postGeneration(t, router, validBody(), "")
	var created handlers.GenerationResp
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	cancel := httptest.NewRecorder()
	router.ServeHTTP(cancel, httptest.NewRequest(http.MethodPost, "/v1/generations/"+created.ID+"/cancel", nil))
	if cancel.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d, body %s", cancel.Code, cancel.Body.String())
	}
	var got handlers.GenerationResp
	if err := json.Unmarshal(cancel.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "CANCELLED" {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}

	// Cancelling a settled row conflicts.
	again := httptest.NewRecorder()
	router.ServeHTTP(again, httptest.NewRequest(http.MethodPost, "/v1/generations/"+created.ID+"/cancel", nil))
	if again.Code != http.StatusConflict {
		t.Fatalf("second cancel: status = %d, want 409", again.Code)
	}

	g, err := store.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if g.Status != domain.StatusCancelled {
		t.Fatalf("row status = %s", g.Status)
	}
}
