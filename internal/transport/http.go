package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ThaADS/AiFamQuest-sub004/internal/common"
	"github.com/ThaADS/AiFamQuest-sub004/internal/logging"
)

// TokenSource supplies the bearer token for a request. Token issuance is
// outside this core; the surrounding app plugs its auth layer in here.
type TokenSource func(ctx context.Context) (string, error)

// HTTPClient talks JSON to the remote authority.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	log     logging.Logger
}

func NewHTTPClient(baseURL string, httpClient *http.Client, token TokenSource, log logging.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		token:   token,
		log:     log,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Includes timeouts and connectivity loss.
		return fmt.Errorf("%w: %v", common.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", common.ErrTransient, err)
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy: server
// and throttling errors are retryable, other client errors are permanent
// rule violations that must not consume the retry budget.
func classifyStatus(code int, body string) error {
	switch {
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: server returned %d: %s", common.ErrTransient, code, body)
	default:
		return fmt.Errorf("%w: server returned %d: %s", common.ErrPermanentRejection, code, body)
	}
}

// Exchange posts the delta request and decodes the authority's response.
func (c *HTTPClient) Exchange(ctx context.Context, req *DeltaRequest) (*DeltaResponse, error) {
	var resp DeltaResponse
	if err := c.do(ctx, http.MethodPost, "/sync/delta", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping probes the authority's health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
