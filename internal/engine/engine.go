// Package engine talks to the hosted AI flows that compute crash-point
// predictions and betting strategies.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jetpredict-app/internal/models"
)

// ErrOverloaded is the transient "temporarily unavailable" signal. It is the
// only failure worth retrying.
var ErrOverloaded = errors.New("engine overloaded")

type PredictionRequest struct {
	UserID    string    `json:"userId"`
	GameName  string    `json:"gameName"`
	GameData  []float64 `json:"gameData"`
	RiskLevel string    `json:"riskLevel"`
	GameState string    `json:"gameState"`
	UserTime  string    `json:"userTime"` // HH:MM
}

type PredictionResponse struct {
	Predictions []models.Slot `json:"predictions"`
}

type StrategyRequest struct {
	RiskTolerance       string  `json:"riskTolerance"`
	PredictedCrashPoint float64 `json:"predictedCrashPoint"`
}

type StrategyResponse struct {
	ConservativeStrategy string `json:"conservativeStrategy"`
	AggressiveStrategy   string `json:"aggressiveStrategy"`
}

// Client posts JSON to the prediction and strategy endpoints
type Client struct {
	predictionURL string
	strategyURL   string
	apiKey        string
	http          *http.Client
}

func NewClient(predictionURL, strategyURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		predictionURL: predictionURL,
		strategyURL:   strategyURL,
		apiKey:        apiKey,
		http:          &http.Client{Timeout: timeout},
	}
}

func (c *Client) Predict(ctx context.Context, req PredictionRequest) ([]models.Slot, error) {
	var resp PredictionResponse
	if err := c.post(ctx, c.predictionURL, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) == 0 {
		return nil, errors.New("engine returned no predictions")
	}
	return resp.Predictions, nil
}

func (c *Client) Strategy(ctx context.Context, req StrategyRequest) (*StrategyResponse, error) {
	var resp StrategyResponse
	if err := c.post(ctx, c.strategyURL, req, &resp); err != nil {
		return nil, err
	}
	if resp.ConservativeStrategy == "" && resp.AggressiveStrategy == "" {
		return nil, errors.New("engine returned an empty strategy")
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	if url == "" {
		return errors.New("engine endpoint not configured")
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		if isOverload(resp.StatusCode, raw) {
			return fmt.Errorf("%w: status %d", ErrOverloaded, resp.StatusCode)
		}
		return fmt.Errorf("engine status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

func isOverload(status int, body []byte) bool {
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "overloaded") || strings.Contains(lower, "temporarily unavailable")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
