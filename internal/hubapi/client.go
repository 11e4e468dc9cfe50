package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/markus-barta/homedash/internal/entity"
	"github.com/rs/zerolog"
)

// maxErrorBody caps how much of an error response is kept in StatusError.
const maxErrorBody = 512

// Client is the hub REST client.
type Client struct {
	creds      CredentialSource
	httpClient *http.Client
	retry      RetryConfig
	log        zerolog.Logger
}

// NewClient creates a client that reads credentials from creds on every request.
func NewClient(creds CredentialSource, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig(),
		log:        log.With().Str("component", "hubapi").Logger(),
	}
}

// SetRetry overrides the fetch retry policy.
func (c *Client) SetRetry(cfg RetryConfig) {
	c.retry = cfg
}

// FetchStates performs the full-state fetch (GET /api/states). Transient failures
// are retried; a non-200 after retries fails this attempt only.
func (c *Client) FetchStates(ctx context.Context) ([]entity.State, error) {
	var states []entity.State

	err := WithRetry(ctx, c.retry, func() error {
		body, err := c.do(ctx, http.MethodGet, "/api/states", nil)
		if err != nil {
			return err
		}
		states = nil
		if err := json.Unmarshal(body, &states); err != nil {
			return fmt.Errorf("parsing states: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching states: %w", err)
	}

	c.log.Debug().Int("count", len(states)).Msg("fetched states")
	return states, nil
}

// CallService issues exactly one control request
// (POST /api/services/{domain}/{service}). Any 2xx is success; control requests
// are never retried so a command has at most one network-visible effect.
func (c *Client) CallService(ctx context.Context, domain, service string, id entity.ID, data map[string]any) error {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["entity_id"] = string(id)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	if _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("calling %s.%s: %w", domain, service, err)
	}
	return nil
}

// Ping checks that the API is reachable and the token is accepted (GET /api/).
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/api/", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("unexpected API response: %w", err)
	}
	if resp.Message != "API running." {
		return fmt.Errorf("unexpected API message %q", resp.Message)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	creds, err := c.creds.Credentials()
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, creds.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := respBody
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(snippet)}
	}

	return respBody, nil
}
