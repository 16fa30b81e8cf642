package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/developer-mesh/boardsync/pkg/observability"
)

// ObjectsResponse is the body of GET /api/v1/boards/:board/objects
type ObjectsResponse struct {
	BoardID string           `json:"board_id"`
	Objects []*models.Object `json:"objects"`
}

// WriteBody is the body of PATCH /api/v1/boards/:board/objects/:id
type WriteBody struct {
	Fields models.Patch       `json:"fields"`
	Clocks models.FieldClocks `json:"clocks"`
}

// HTTPStore talks to the relay's REST endpoints
type HTTPStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     observability.Logger
}

// NewHTTPStore creates a client for the relay at baseURL. token, when set, is
// sent as a bearer token.
func NewHTTPStore(baseURL, token string, logger observability.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: observability.OrNoop(logger).WithPrefix("http-store"),
	}
}

// SetToken replaces the bearer token, after a session refresh
func (c *HTTPStore) SetToken(token string) {
	c.token = token
}

func (c *HTTPStore) objectsURL(boardID string) string {
	return fmt.Sprintf("%s/api/v1/boards/%s/objects", c.baseURL, url.PathEscape(boardID))
}

// LoadAll fetches the board snapshot
func (c *HTTPStore) LoadAll(ctx context.Context, boardID string) ([]*models.Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectsURL(boardID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var body ObjectsResponse
	if err := c.do(req, &body); err != nil {
		return nil, fmt.Errorf("load board %s: %w", boardID, err)
	}
	return body.Objects, nil
}

// Write sends one field patch
func (c *HTTPStore) Write(ctx context.Context, boardID, objectID string, patch models.Patch, clocks models.FieldClocks) error {
	payload, err := json.Marshal(WriteBody{Fields: patch, Clocks: clocks})
	if err != nil {
		return fmt.Errorf("failed to encode write: %w", err)
	}

	target := c.objectsURL(boardID) + "/" + url.PathEscape(objectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("write %s/%s: %w", boardID, objectID, err)
	}
	return nil
}

func (c *HTTPStore) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// Client errors other than throttling will fail the same way again.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
