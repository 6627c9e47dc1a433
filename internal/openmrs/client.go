// Package openmrs implements the mrs adapters over the OpenMRS REST web
// services (/ws/rest/v1).
package openmrs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/motech/platform/internal/shared/config"
	"github.com/motech/platform/internal/shared/metrics"
	"github.com/rs/zerolog"
)

// HTTPError is returned when OpenMRS answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openmrs %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// RestfulClient performs authenticated JSON requests against OpenMRS.
type RestfulClient struct {
	httpClient *http.Client
	user       string
	password   string
	logger     zerolog.Logger
}

func NewRestfulClient(cfg config.OpenMRSConfig, logger zerolog.Logger) *RestfulClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RestfulClient{
		httpClient: &http.Client{Timeout: timeout},
		user:       cfg.User,
		password:   cfg.Password,
		logger:     logger.With().Str("component", "openmrs_client").Logger(),
	}
}

func (c *RestfulClient) GetEntity(ctx context.Context, url string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

func (c *RestfulClient) PostForEntity(ctx context.Context, url string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, payload)
}

func (c *RestfulClient) DeleteEntity(ctx context.Context, url string) error {
	_, err := c.do(ctx, http.MethodDelete, url, nil)
	return err
}

func (c *RestfulClient) do(ctx context.Context, method, url string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordOpenMRSRequest(method, 0, time.Since(start))
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	metrics.RecordOpenMRSRequest(method, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug().Str("method", method).Str("url", url).Int("status", resp.StatusCode).Msg("openmrs request failed")
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(data), URL: url}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}
