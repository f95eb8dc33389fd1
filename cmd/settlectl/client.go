package main

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

	"github.com/punchamoorthee/settlement/internal/models"
)

// apiClient talks to the settlement HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/") + "/api/v1",
		http: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) listIntents(ctx context.Context, q url.Values) ([]models.Intent, error) {
	var out []models.Intent
	err := c.do(ctx, http.MethodGet, "/intents", q, nil, &out)
	return out, err
}

func (c *apiClient) getIntent(ctx context.Context, id string) (*models.Intent, error) {
	var out models.Intent
	if err := c.do(ctx, http.MethodGet, "/intents/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) cancelIntent(ctx context.Context, id, reason string) (*models.Intent, error) {
	var out models.Intent
	err := c.do(ctx, http.MethodPost, "/intents/"+url.PathEscape(id)+"/cancel", nil, models.CancelRequest{Reason: reason}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) retryIntent(ctx context.Context, id string) (*models.IntentResult, error) {
	var out models.IntentResult
	if err := c.do(ctx, http.MethodPost, "/intents/"+url.PathEscape(id)+"/retry", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) reconcile(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/reconcile", nil, nil, &out)
	return out, err
}

func (c *apiClient) divergences(ctx context.Context, limit int) ([]models.Divergence, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out []models.Divergence
	err := c.do(ctx, http.MethodGet, "/divergences", q, nil, &out)
	return out, err
}

func (c *apiClient) stats(ctx context.Context) (*models.Stats, error) {
	var out models.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) prices(ctx context.Context, symbol string) ([]models.Price, error) {
	if symbol == "" {
		var out []models.Price
		err := c.do(ctx, http.MethodGet, "/prices", nil, nil, &out)
		return out, err
	}
	var one models.Price
	if err := c.do(ctx, http.MethodGet, "/prices/"+url.PathEscape(symbol), nil, nil, &one); err != nil {
		return nil, err
	}
	return []models.Price{one}, nil
}
