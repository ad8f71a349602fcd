package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Suggestion is one predictor-service strategy configuration.
type Suggestion struct {
	Type       string                 `json:"type"`
	Symbol     string                 `json:"symbol"`
	Parameters map[string]interface{} `json:"parameters"`
}

// PredictorClient talks to the ML predictor service. The service is an
// optional collaborator: callers must tolerate errors and degrade.
type PredictorClient struct {
	http *resty.Client
}

// NewPredictorClient returns nil when no URL is configured.
func NewPredictorClient(baseURL string) *PredictorClient {
	if baseURL == "" {
		return nil
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
	return &PredictorClient{http: client}
}

// Suggest requests up to count strategy configurations for the symbols.
func (c *PredictorClient) Suggest(ctx context.Context, symbols []string, count int) ([]Suggestion, error) {
	var out struct {
		Suggestions []Suggestion `json:"suggestions"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"symbols": symbols, "count": count}).
		SetResult(&out).
		Post("/suggest")
	if err != nil {
		return nil, fmt.Errorf("predictor suggest: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("predictor suggest: status %d", resp.StatusCode())
	}
	return out.Suggestions, nil
}
