package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// HTTPGateway streams analysis events from a remote agent service that
// speaks newline-delimited JSON.
type HTTPGateway struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPGateway returns a gateway for the given analysis endpoint. No
// client timeout is set: analysis streams are long-lived and cancellation
// belongs to the caller's context.
func NewHTTPGateway(endpoint string, logger *zap.Logger) *HTTPGateway {
	return &HTTPGateway{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Analyze opens the event stream for one chat.
func (g *HTTPGateway) Analyze(ctx context.Context, req Request) (EventStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analysis agent returned status %d: %s", resp.StatusCode, snippet)
	}

	return NewNDJSONStream(resp.Body, g.logger), nil
}
