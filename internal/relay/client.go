// ABOUTME: HTTP client side of the relay push, used by the gateway process.
// ABOUTME: POSTs inbound agent messages to the session process with bearer auth.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client pushes inbound agent messages to the session process.
type Client struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewClient creates a relay client targeting the session process at baseURL.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Push delivers one agent message. A non-2xx response or transport failure
// is returned as an error; the caller decides whether the loss matters.
func (c *Client) Push(ctx context.Context, threadID, text, author string, timestampMs int64) error {
	body, err := json.Marshal(PushRequest{
		ThreadID:  threadID,
		Message:   text,
		Author:    author,
		Timestamp: timestampMs,
	})
	if err != nil {
		return fmt.Errorf("marshaling push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/relay/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
