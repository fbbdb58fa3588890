package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Environment variables configuring the analyzer endpoint. When the URL is
// unset the analyzer is disabled and readiness checks run without summaries.
const (
	URLEnv   = "RKE2D_ANALYZER_URL"
	ModelEnv = "RKE2D_ANALYZER_MODEL"
)

const requestTimeout = 120 * time.Second

// Verdict values returned by the analyzer
const (
	VerdictGo      = "GO"
	VerdictCaution = "CAUTION"
	VerdictNoGo    = "NO-GO"
)

// Analysis is the structured assessment produced from a readiness report
type Analysis struct {
	Verdict          string   `json:"verdict"`
	ReasoningSummary string   `json:"reasoning_summary"`
	Blockers         []string `json:"blockers"`
	Risks            []string `json:"risks"`
	ActionPlan       []string `json:"action_plan"`
}

// Result wraps the analysis with invocation metadata
type Result struct {
	Analysis Analysis
	ModelID  string
	Tokens   int
}

// Client calls an external analysis service over HTTP. Analyzer failures are
// never fatal to the job that requested them.
type Client struct {
	url     string
	modelID string
	httpc   *http.Client
}

// NewFromEnv builds a client from the environment. Returns nil (disabled)
// when no endpoint is configured.
func NewFromEnv() *Client {
	url := os.Getenv(URLEnv)
	if url == "" {
		return nil
	}
	return New(url, os.Getenv(ModelEnv))
}

// New creates a client for the given endpoint
func New(url, modelID string) *Client {
	return &Client{
		url:     url,
		modelID: modelID,
		httpc:   &http.Client{Timeout: requestTimeout},
	}
}

// Enabled reports whether the client can be used
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

type analyzeRequest struct {
	ModelID string         `json:"model_id,omitempty"`
	Report  map[string]any `json:"report"`
}

type analyzeResponse struct {
	Analysis
	ModelID string `json:"model_id,omitempty"`
	Tokens  int    `json:"token_count,omitempty"`
}

// Analyze submits a readiness report and returns the structured verdict
func (c *Client) Analyze(ctx context.Context, report map[string]any) (*Result, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("analyzer not configured")
	}

	body, err := json.Marshal(analyzeRequest{ModelID: c.modelID, Report: report})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyze request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read analyze response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var parsed analyzeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode analyze response: %w", err)
	}

	switch parsed.Verdict {
	case VerdictGo, VerdictCaution, VerdictNoGo:
	default:
		return nil, fmt.Errorf("analyzer returned unknown verdict %q", parsed.Verdict)
	}

	modelID := parsed.ModelID
	if modelID == "" {
		modelID = c.modelID
	}
	return &Result{Analysis: parsed.Analysis, ModelID: modelID, Tokens: parsed.Tokens}, nil
}
