package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to a Matrix homeserver on behalf of the bot account.
type Client struct {
	baseURL     string
	userID      string
	accessToken string
	msgType     string
	httpClient  *http.Client
}

// NewClient creates a client from cfg.
func NewClient(cfg *Config) *Client {
	msgType := MsgTypeText
	if cfg.Notices {
		msgType = MsgTypeNotice
	}
	timeout := cfg.SyncTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().SyncTimeout
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.Homeserver, "/"),
		userID:      cfg.UserID,
		accessToken: cfg.AccessToken,
		msgType:     msgType,
		httpClient: &http.Client{
			// Leave room for the long-poll on top of the server's own timeout.
			Timeout: timeout + 30*time.Second,
		},
	}
}

// UserID returns the bot's own user id.
func (c *Client) UserID() string {
	return c.userID
}

// Whoami returns the user id the access token belongs to.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return "", err
	}
	var resp whoamiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse whoami response: %w", err)
	}
	return resp.UserID, nil
}

// SendText posts a message to roomID. formatted is HTML and may be empty.
// It returns the new event id.
func (c *Client) SendText(ctx context.Context, roomID, plain, formatted string) (string, error) {
	content := messageContent{MsgType: c.msgType, Body: plain}
	if formatted != "" {
		content.Format = FormatHTML
		content.FormattedBody = formatted
	}
	return c.sendEvent(ctx, roomID, EventMessage, content)
}

// SendReaction annotates eventID with key.
func (c *Client) SendReaction(ctx context.Context, roomID, eventID, key string) error {
	content := reactionContent{RelatesTo: relatesTo{RelType: RelAnnotation, EventID: eventID, Key: key}}
	_, err := c.sendEvent(ctx, roomID, EventReaction, content)
	return err
}

// JoinRoom joins roomID, accepting a pending invite.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	_, err := c.doRequest(ctx, http.MethodPost, path, struct{}{}, nil)
	return err
}

// Sync long-polls for new events after since. An empty since performs an
// initial sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
		query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	} else {
		query.Set("timeout", "0")
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, query)
	if err != nil {
		return nil, err
	}
	var resp SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse sync response: %w", err)
	}
	return &resp, nil
}

func (c *Client) sendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), uuid.NewString())

	body, err := c.doRequest(ctx, http.MethodPut, path, content, nil)
	if err != nil {
		return "", err
	}
	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse send response: %w", err)
	}
	return resp.EventID, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	var matrixErr Error
	if err := json.Unmarshal(respBody, &matrixErr); err != nil || matrixErr.Code == "" {
		return nil, fmt.Errorf("unexpected %d response from %s %s: %s", resp.StatusCode, method, path, string(respBody))
	}
	matrixErr.StatusCode = resp.StatusCode
	return nil, &matrixErr
}
