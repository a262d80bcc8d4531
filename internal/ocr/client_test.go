package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(baseURL string) *Client {
	return NewClient(ClientConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Model:      "test-ocr-model",
		MaxRetries: 3,
		Backoff:    time.Millisecond,
	})
}

func TestSubmitDocumentURL(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/ocr" {
			t.Errorf("path = %s, want /ocr", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pages":[{"index":0,"markdown":"first"},{"index":1,"markdown":"second"}]}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	res, err := c.Submit(context.Background(), DocumentURLUnit("https://example.com/doc.pdf", "doc.pdf", []int{0, 1}, nil))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if gotBody["model"] != "test-ocr-model" {
		t.Errorf("model = %v", gotBody["model"])
	}
	doc := gotBody["document"].(map[string]any)
	if doc["type"] != "document_url" {
		t.Errorf("document type = %v", doc["type"])
	}
	if doc["document_url"] != "https://example.com/doc.pdf" {
		t.Errorf("document_url = %v", doc["document_url"])
	}

	if len(res.Pages) != 2 || res.Pages[0].Markdown != "first" || res.Pages[1].Markdown != "second" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSubmitRetagsPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Backend numbers pages relative to the unit, from 0.
		w.Write([]byte(`{"pages":[{"page_num":0,"markdown":"a"},{"page_num":1,"markdown":"b"}]}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	res, err := c.Submit(context.Background(), DocumentBase64Unit([]byte("pdf"), "chunk_2_4_5.pdf", []int{4, 5}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Pages[0].PageNum != 4 || res.Pages[1].PageNum != 5 {
		t.Errorf("retagged pages = %d,%d, want 4,5", res.Pages[0].PageNum, res.Pages[1].PageNum)
	}
}

func TestSubmitRetagsAbsoluteEcho(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Some backends echo a pages filter's absolute numbers instead.
		w.Write([]byte(`{"pages":[{"page_num":6,"markdown":"a"},{"page_num":7,"markdown":"b"}]}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	res, err := c.Submit(context.Background(), DocumentURLUnit("https://x/doc.pdf", "c", []int{6, 7}, []int{6, 7}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Pages[0].PageNum != 6 || res.Pages[1].PageNum != 7 {
		t.Errorf("retagged pages = %d,%d, want 6,7", res.Pages[0].PageNum, res.Pages[1].PageNum)
	}
}

func TestSubmitTransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "backend hiccup", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"pages":[{"index":0,"markdown":"ok"}]}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	res, err := c.Submit(context.Background(), ImageUnit([]byte("img"), "page_0.jpg", 0))
	if err != nil {
		t.Fatalf("Submit() error = %v after transient failures", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
	if len(res.Pages) != 1 || res.Pages[0].Markdown != "ok" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSubmitPayloadTooLargeNoRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "too big", http.StatusRequestEntityTooLarge)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.Submit(context.Background(), DocumentBase64Unit([]byte("pdf"), "big.pdf", []int{0}))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("error = %v, want ErrPayloadTooLarge", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("413 was retried: %d calls", got)
	}
}

func TestSubmitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.Submit(context.Background(), DocumentBase64Unit([]byte("pdf"), "doc.pdf", []int{0}))
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, ErrTransient) {
		t.Errorf("exhausted error should wrap the last cause, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.Submit(context.Background(), DocumentBase64Unit([]byte("pdf"), "doc.pdf", []int{0}))
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("exhausted error should wrap ErrRateLimited, got %v", err)
	}
}

func TestSubmitCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hiccup", http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{
		BaseURL:    server.URL,
		APIKey:     "k",
		Model:      "m",
		MaxRetries: 3,
		Backoff:    time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, DocumentBase64Unit([]byte("pdf"), "doc.pdf", []int{0}))
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not return after cancellation")
	}
}

func TestSubmitImagePayload(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"pages":[{"index":0,"markdown":"page text"}]}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	res, err := c.Submit(context.Background(), ImageUnit([]byte{0xff, 0xd8}, "page_5.jpg", 5))
	if err != nil {
		t.Fatal(err)
	}

	doc := gotBody["document"].(map[string]any)
	if doc["type"] != "image_base64" {
		t.Errorf("document type = %v, want image_base64", doc["type"])
	}
	if doc["image_base64"] != "/9g=" {
		t.Errorf("image_base64 = %v", doc["image_base64"])
	}
	if res.Pages[0].PageNum != 5 {
		t.Errorf("page retagged to %d, want 5", res.Pages[0].PageNum)
	}
}

func TestSubmitPageFilter(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"pages":[]}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	if _, err := c.Submit(context.Background(), DocumentURLUnit("https://x/d.pdf", "d", []int{2, 3}, []int{2, 3})); err != nil {
		t.Fatal(err)
	}

	doc := gotBody["document"].(map[string]any)
	pages, ok := doc["pages"].([]any)
	if !ok || len(pages) != 2 || pages[0].(float64) != 2 || pages[1].(float64) != 3 {
		t.Errorf("pages filter = %v, want [2 3]", doc["pages"])
	}
}
