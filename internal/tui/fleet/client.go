package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ServiceSummary is the display-friendly projection of a store.Service the
// dashboard polls for.
type ServiceSummary struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Namespace           string `json:"namespace"`
	PackVersion         string `json:"packVersion"`
	Replicas            int    `json:"replicas"`
	ReadyReplicas       int    `json:"readyReplicas"`
	Status              string `json:"status"`
	Degraded            bool   `json:"degraded"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

// PodSummary is the display-friendly projection of a store.Pod.
type PodSummary struct {
	ID          string `json:"id"`
	NodeID      string `json:"nodeId"`
	Status      string `json:"status"`
	PackVersion string `json:"packVersion"`
	Incarnation uint64 `json:"incarnation"`
}

// Client is the subset of the HTTP API surface this dashboard reads from.
// It is read-only by design: the dashboard never mutates fleet state.
type Client interface {
	ListServices(ctx context.Context) ([]ServiceSummary, error)
	ListPods(ctx context.Context, serviceID string) ([]PodSummary, error)
}

// HTTPClient is a Client backed by internal/api's HTTP surface.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates an HTTPClient against baseURL (e.g.
// "http://localhost:8080").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPClient) ListServices(ctx context.Context) ([]ServiceSummary, error) {
	var out []ServiceSummary
	if err := c.getJSON(ctx, "/v1/services", &out); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) ListPods(ctx context.Context, serviceID string) ([]PodSummary, error) {
	var out []PodSummary
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/services/%s/pods", serviceID), &out); err != nil {
		return nil, fmt.Errorf("list pods for service %s: %w", serviceID, err)
	}
	return out, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
