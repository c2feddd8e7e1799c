package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

// RemoteBackend calls an HTTP embedding server. Calls run through a
// circuit breaker so a dead model server sheds load fast instead of
// stacking up timed-out requests.
type RemoteBackend struct {
	url     string
	model   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemoteBackend creates a backend posting to url with the given
// per-call timeout.
func NewRemoteBackend(url, model string, timeout time.Duration) *RemoteBackend {
	return &RemoteBackend{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "embedding-remote",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Name implements Backend.
func (r *RemoteBackend) Name() string { return "remote" }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed implements Backend.
func (r *RemoteBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.post(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float32), nil
}

func (r *RemoteBackend) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: r.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("embedding server error: %s", parsed.Error)
	}
	return parsed.Embeddings, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
