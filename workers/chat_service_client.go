// workers/chat_service_client.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"achievement-sync-service/services"
	"achievement-sync-service/utils"
)

// MessageCountResponse matches the chat service's count endpoint.
type MessageCountResponse struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// ChatServiceClient counts a user's messages in the remote chat service. It
// is one of the authoritative message sources.
type ChatServiceClient struct {
	baseURL      string // e.g., "http://localhost:8600"
	endpointPath string // e.g., "/api/v1/internal/users/{id}/message-count"
	serviceToken string
	httpClient   *http.Client
}

func NewChatServiceClient(baseURL, serviceToken string) *ChatServiceClient {
	return &ChatServiceClient{
		baseURL:      baseURL,
		endpointPath: "/api/v1/internal/users",
		serviceToken: serviceToken,
		httpClient:   utils.ServiceHTTPClient,
	}
}

func (c *ChatServiceClient) Name() string { return "chat_service" }

// CountMessages asks the chat service for at most limit messages sent by
// userID. 401, 403 and 404 mean this service has no access to the user's
// messages and are reported as services.ErrSourceUnavailable.
func (c *ChatServiceClient) CountMessages(ctx context.Context, userID string, limit int) (int64, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid chat service URL '%s': %w", c.baseURL, err)
	}

	// Safely join base URL and endpoint path (handles trailing/leading slashes)
	endpointURL := base.JoinPath(c.endpointPath, userID, "message-count")
	q := endpointURL.Query()
	q.Set("limit", strconv.Itoa(limit))
	endpointURL.RawQuery = q.Encode()
	finalURL := endpointURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request to %s: %w", finalURL, err)
	}
	req.Header.Set("X-Service-Token", c.serviceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request to chat service failed: %w", err)
	}
	defer func() {
		// Always drain & close to prevent connection leaks
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return 0, fmt.Errorf("%w: chat service returned %d", services.ErrSourceUnavailable, resp.StatusCode)
	default:
		// Read limited error body (avoid massive payloads)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.Printf("[CHAT] ❌ Chat service returned %d for %s: %s", resp.StatusCode, finalURL, string(body))
		return 0, fmt.Errorf("chat service non-200 response: %d", resp.StatusCode)
	}

	var out MessageCountResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode chat service response: %w", err)
	}
	if out.Count < 0 {
		return 0, nil
	}
	if limit > 0 && out.Count > int64(limit) {
		return int64(limit), nil
	}
	return out.Count, nil
}
