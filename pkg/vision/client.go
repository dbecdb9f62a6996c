package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/locator"
)

// healthCheckInterval bounds how often Ready probes the service. Ready is
// called on every vision evaluation, the service only needs an occasional ping.
const healthCheckInterval = 30 * time.Second

// Client talks to the external text-recognition service. It implements
// engine.TextRecognizer, so it plugs directly into the vision evaluator and
// the recorder's screenshot layer.
type Client struct {
	serviceURL string
	client     *http.Client

	mu          sync.Mutex
	healthy     bool
	lastChecked time.Time
}

type recognizeRequest struct {
	Image         string  `json:"image"`
	MinConfidence float64 `json:"min_confidence"`
}

type boundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type textRegion struct {
	Text        string      `json:"text"`
	Confidence  float64     `json:"confidence"`
	BoundingBox boundingBox `json:"bounding_box"`
}

type recognizeResponse struct {
	Success bool         `json:"success"`
	Matches []textRegion `json:"matches"`
	Error   string       `json:"error,omitempty"`
}

func NewClient(serviceURL string, timeout time.Duration) *Client {
	if serviceURL == "" {
		serviceURL = "http://localhost:8888"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Ready reports whether the recognition service answered a recent health
// probe. A failed probe is retried on the next call after the interval.
func (c *Client) Ready() bool {
	c.mu.Lock()
	if time.Since(c.lastChecked) < healthCheckInterval {
		healthy := c.healthy
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	healthy := c.HealthCheck() == nil

	c.mu.Lock()
	c.healthy = healthy
	c.lastChecked = time.Now()
	c.mu.Unlock()

	return healthy
}

// RecognizeText sends the screenshot to the service and returns every
// recognized region at or above minConfidence.
func (c *Client) RecognizeText(ctx context.Context, image []byte, minConfidence float64) ([]engine.TextMatch, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	reqBody := recognizeRequest{
		Image:         base64.StdEncoding.EncodeToString(image),
		MinConfidence: minConfidence,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL+"/recognize/text", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OCR service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read OCR response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCR service returned status %d", resp.StatusCode)
	}

	var recognized recognizeResponse
	if err := json.Unmarshal(body, &recognized); err != nil {
		return nil, fmt.Errorf("failed to parse OCR response: %w", err)
	}
	if !recognized.Success {
		return nil, fmt.Errorf("OCR recognition failed: %s", recognized.Error)
	}

	matches := make([]engine.TextMatch, 0, len(recognized.Matches))
	for _, region := range recognized.Matches {
		if region.Confidence < minConfidence {
			continue
		}
		matches = append(matches, engine.TextMatch{
			Text:       region.Text,
			Confidence: region.Confidence,
			Rect: locator.Rect{
				X:      region.BoundingBox.X,
				Y:      region.BoundingBox.Y,
				Width:  region.BoundingBox.Width,
				Height: region.BoundingBox.Height,
			},
		})
	}

	return matches, nil
}

// HealthCheck probes the service endpoint directly, bypassing the Ready cache.
func (c *Client) HealthCheck() error {
	resp, err := c.client.Get(c.serviceURL + "/health")
	if err != nil {
		return fmt.Errorf("OCR service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCR service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// ServiceURL returns the configured endpoint, for the health handler.
func (c *Client) ServiceURL() string {
	return c.serviceURL
}
