package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPGenerator calls a summary-generation service over HTTP. Transport-level
// flakiness is absorbed by the retryable client; semantic failures (bad
// status, empty body) surface to the workflow's own retry policy.
type HTTPGenerator struct {
	client *retryablehttp.Client
	url    string
	apiKey string
}

func NewHTTPGenerator(url, apiKey string) *HTTPGenerator {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &HTTPGenerator{client: client, url: url, apiKey: apiKey}
}

type generateRequest struct {
	OrganizationID string `json:"organizationId"`
	EffectiveFrom  string `json:"effectiveFrom"`
	EffectiveTo    string `json:"effectiveTo"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, orgID string, from, to time.Time) (*Report, error) {
	body, err := json.Marshal(generateRequest{
		OrganizationID: orgID,
		EffectiveFrom:  from.UTC().Format(time.RFC3339),
		EffectiveTo:    to.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", g.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("summary request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("summary service returned %d: %s", resp.StatusCode, msg)
	}

	var rep Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode summary response: %w", err)
	}
	return &rep, nil
}
