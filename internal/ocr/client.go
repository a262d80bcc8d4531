package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrPayloadTooLarge is the backend's 413: the unit exceeds its limit.
	// Never retried here; the caller must shrink or re-chunk instead.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrRateLimited is the backend's 429. Retried with a doubled backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient covers network failures and other non-2xx statuses.
	ErrTransient = errors.New("transient backend failure")

	// ErrExhausted wraps the last failure once the retry budget is spent.
	ErrExhausted = errors.New("retries exhausted")
)

// UnitKind selects the payload shape for a submission.
type UnitKind string

const (
	UnitDocumentURL    UnitKind = "document_url"
	UnitDocumentBase64 UnitKind = "document_base64"
	UnitImageBase64    UnitKind = "image_base64"
)

// Unit is the atomic thing submitted to the backend: a fetchable document
// URL, a document blob, or a single page image. OrigPages carries the source
// document page numbers the unit represents, in unit order; Submit retags
// every page of the response with them before returning.
type Unit struct {
	Kind UnitKind
	Name string

	URL  string
	Data []byte

	// PageFilter restricts a document_url submission to these 0-indexed
	// pages of the fetched document.
	PageFilter []int

	OrigPages []int
}

func DocumentURLUnit(url, name string, origPages, pageFilter []int) Unit {
	return Unit{Kind: UnitDocumentURL, URL: url, Name: name, OrigPages: origPages, PageFilter: pageFilter}
}

func DocumentBase64Unit(data []byte, name string, origPages []int) Unit {
	return Unit{Kind: UnitDocumentBase64, Data: data, Name: name, OrigPages: origPages}
}

func ImageUnit(data []byte, name string, origPage int) Unit {
	return Unit{Kind: UnitImageBase64, Data: data, Name: name, OrigPages: []int{origPage}}
}

// ClientConfig configures a backend client. Each job owns its own client;
// there is no process-wide shared state.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// MaxRetries bounds attempts per submission. Default 3.
	MaxRetries int
	// Backoff is the base wait unit: attempt k waits Backoff*2^k, doubled
	// again when rate limited. Default 1s.
	Backoff time.Duration
	// Timeout bounds a single request. Default 300s to accommodate large
	// document submissions.
	Timeout time.Duration
}

// Client submits units to the OCR backend with retry.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Submit sends the unit and returns its normalized, retagged result.
// ErrPayloadTooLarge returns immediately; transient and rate-limit failures
// retry with exponential backoff until the budget is spent, after which
// ErrExhausted wraps the last failure.
func (c *Client) Submit(ctx context.Context, u Unit) (Result, error) {
	body, err := json.Marshal(c.payload(u))
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		res, err := c.post(ctx, body)
		if err == nil {
			return retag(res, u.OrigPages), nil
		}
		if errors.Is(err, ErrPayloadTooLarge) {
			return Result{}, err
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries {
			break
		}

		wait := c.cfg.Backoff << attempt
		if errors.Is(err, ErrRateLimited) {
			wait *= 2
		}
		slog.Warn("OCR submission failed, will retry.",
			"unit", u.Name,
			"attempt", attempt,
			"maxRetries", c.cfg.MaxRetries,
			"backoff", wait.String(),
			"error", err,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{}, fmt.Errorf("%w for %s after %d attempts: %w", ErrExhausted, u.Name, c.cfg.MaxRetries, lastErr)
}

func (c *Client) payload(u Unit) map[string]any {
	doc := map[string]any{
		"type":                 string(u.Kind),
		"document_name":        u.Name,
		"include_image_base64": false,
	}
	switch u.Kind {
	case UnitDocumentURL:
		doc["document_url"] = u.URL
		if len(u.PageFilter) > 0 {
			doc["pages"] = u.PageFilter
		}
	case UnitDocumentBase64:
		doc["document_base64"] = base64.StdEncoding.EncodeToString(u.Data)
	case UnitImageBase64:
		doc["image_base64"] = base64.StdEncoding.EncodeToString(u.Data)
	}
	return map[string]any{
		"model":    c.cfg.Model,
		"document": doc,
	}
}

func (c *Client) post(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/ocr", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed wireResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return Result{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
		return parsed.normalize(), nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return Result{}, ErrPayloadTooLarge
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("%w: status 429", ErrRateLimited)
	default:
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, string(slurp))
	}
}

// retag maps the backend's unit-relative page numbers back to the source
// document's. Numbers within [0, len(orig)) are treated as unit-relative;
// anything else falls back to positional mapping, which also covers backends
// that echo a pages filter's absolute numbers.
func retag(res Result, orig []int) Result {
	if len(orig) == 0 {
		return res
	}
	for i := range res.Pages {
		rel := res.Pages[i].PageNum
		switch {
		case rel >= 0 && rel < len(orig):
			res.Pages[i].PageNum = orig[rel]
		case i < len(orig):
			res.Pages[i].PageNum = orig[i]
		}
	}
	return res
}
