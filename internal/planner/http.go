package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig configures HTTPPlanner.
type HTTPConfig struct {
	// Endpoint receives a POST of {"stage": ..., "prompt": ...} and must
	// respond with {"output": ...}. No protocol beyond this module's own
	// Request/Response shape is assumed — this is deliberately not an
	// OpenAI/Anthropic-shaped client, since the vendor on the other end
	// of Endpoint is out of scope here.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPPlanner is the one non-offline ModelPlanner this module ships: a
// thin adapter that forwards each stage prompt to an operator-configured
// HTTP endpoint. Adapted from the HTTP-client construction and
// context-aware request pattern this module is grounded on, stripped of
// every vendor-specific request/response shape — the wire format here is
// planner.Request/Response, not a chat-completions body.
type HTTPPlanner struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPPlanner builds an HTTPPlanner. Timeout defaults to 30s if zero.
func NewHTTPPlanner(cfg HTTPConfig) *HTTPPlanner {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPlanner{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type httpPlanRequest struct {
	Stage  string `json:"stage"`
	Prompt string `json:"prompt"`
}

type httpPlanResponse struct {
	Output string `json:"output"`
}

// Plan POSTs req to the configured endpoint and decodes its output.
func (p *HTTPPlanner) Plan(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(httpPlanRequest{Stage: req.Stage, Prompt: req.Prompt})
	if err != nil {
		return Response{}, fmt.Errorf("planner: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("planner: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("planner: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return Response{}, fmt.Errorf("planner: endpoint returned %d: %s", resp.StatusCode, string(data))
	}

	var out httpPlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("planner: decode response: %w", err)
	}
	return Response{Output: out.Output}, nil
}
