package renderengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/manthysbr/auleRender/internal/core/ports"
	"github.com/sony/gobreaker"
)

const maxEngineErrorLen = 500

// Client talks to a ComfyUI-compatible render engine over its
// submit/history/view contract. It holds no state beyond the base
// URL, HTTP clients, the polling cadence, and the failure counts of a
// circuit breaker in front of submit/fetch, which stops the retry policy
// from hammering an engine that is persistently down.
type Client struct {
	logger       *slog.Logger
	baseURL      string
	submitClient *http.Client
	fetchClient  *http.Client
	pollInterval time.Duration
	breaker      *gobreaker.CircuitBreaker
}

type Config struct {
	BaseURL       string
	PollInterval  time.Duration
	SubmitTimeout time.Duration
	FetchTimeout  time.Duration
}

func NewClient(logger *slog.Logger, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8188"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "render-engine",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("render engine breaker state change", "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Only transport-level failures should trip the breaker; a
			// rejected workflow means the engine is up and answering.
			return err == nil || !errors.Is(err, domain.ErrEngineUnavailable)
		},
	})

	return &Client{
		logger:       logger,
		baseURL:      cfg.BaseURL,
		submitClient: &http.Client{Timeout: cfg.SubmitTimeout},
		fetchClient:  &http.Client{Timeout: cfg.FetchTimeout},
		pollInterval: cfg.PollInterval,
		breaker:      breaker,
	}
}

// Submit posts the workflow document to /prompt and returns the engine's
// prompt id. EngineUnavailable on transport errors, EngineRejected on a
// non-success status.
func (c *Client) Submit(ctx context.Context, workflow []byte) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(workflow))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.submitClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxEngineErrorLen))
			return nil, fmt.Errorf("%w: status %d: %s", domain.ErrEngineRejected, resp.StatusCode, truncate(string(body), maxEngineErrorLen))
		}

		var out struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("%w: undecodable submit response: %v", domain.ErrEngineRejected, err)
		}
		if out.PromptID == "" {
			return nil, fmt.Errorf("%w: no prompt_id returned", domain.ErrEngineRejected)
		}
		return out.PromptID, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open", domain.ErrEngineUnavailable)
		}
		return "", err
	}
	return result.(string), nil
}

// historyEntry mirrors the slice of ComfyUI's /history/{id} response the
// pipeline cares about.
type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

// AwaitCompletion polls /history/{promptID} at the configured cadence
// until the prompt finishes. It returns ErrCancelled the moment the
// cancel channel fires and ErrTimeout when the deadline elapses; after
// maxTransportErrors consecutive transport failures it gives up with
// ErrEngineUnavailable.
func (c *Client) AwaitCompletion(ctx context.Context, promptID string, cancel <-chan struct{}, deadline time.Time) (ports.EngineOutcome, error) {
	const maxTransportErrors = 5

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	transportErrors := 0
	for {
		select {
		case <-ctx.Done():
			return ports.EngineOutcome{}, ctx.Err()
		case <-cancel:
			return ports.EngineOutcome{}, domain.ErrCancelled
		case <-timer.C:
			return ports.EngineOutcome{}, domain.ErrTimeout
		case <-ticker.C:
		}

		entry, found, err := c.pollHistory(ctx, promptID)
		if err != nil {
			transportErrors++
			c.logger.Warn("history poll failed", "prompt_id", promptID, "attempt", transportErrors, "error", err)
			if transportErrors >= maxTransportErrors {
				return ports.EngineOutcome{}, fmt.Errorf("%w: %d consecutive poll failures", domain.ErrEngineUnavailable, transportErrors)
			}
			continue
		}
		transportErrors = 0

		if !found {
			continue
		}
		if entry.Status.StatusStr == "error" {
			return ports.EngineOutcome{}, fmt.Errorf("%w: prompt execution failed", domain.ErrEngineRejected)
		}
		if !entry.Status.Completed && len(entry.Outputs) == 0 {
			continue
		}

		var outcome ports.EngineOutcome
		for _, node := range entry.Outputs {
			for _, img := range node.Images {
				outcome.Outputs = append(outcome.Outputs, ports.OutputRef{
					Filename:  img.Filename,
					Subfolder: img.Subfolder,
					Type:      img.Type,
				})
			}
		}
		if len(outcome.Outputs) == 0 {
			continue
		}
		return outcome, nil
	}
}

func (c *Client) pollHistory(ctx context.Context, promptID string) (historyEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return historyEntry{}, false, err
	}
	resp, err := c.submitClient.Do(req)
	if err != nil {
		return historyEntry{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return historyEntry{}, false, fmt.Errorf("history returned status %d", resp.StatusCode)
	}

	// /history/{id} responds with {"<prompt_id>": {...}}; an empty object
	// means the prompt is still queued or executing.
	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return historyEntry{}, false, fmt.Errorf("undecodable history response: %w", err)
	}
	entry, ok := history[promptID]
	return entry, ok, nil
}

// FetchArtifact downloads one output's bytes from /view.
// ArtifactMissing on 404, EngineUnavailable on transport errors.
func (c *Client) FetchArtifact(ctx context.Context, ref ports.OutputRef) ([]byte, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		q := url.Values{}
		q.Set("filename", ref.Filename)
		q.Set("subfolder", ref.Subfolder)
		q.Set("type", ref.Type)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := c.fetchClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", domain.ErrArtifactMissing, ref.Filename)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: view returned status %d", domain.ErrEngineUnavailable, resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", domain.ErrEngineUnavailable)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ ports.RenderClient = (*Client)(nil)
