package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tradeyard/tradeyard-sync/internal/auth"
	syncerrors "github.com/tradeyard/tradeyard-sync/internal/errors"
	"github.com/tradeyard/tradeyard-sync/internal/models"
)

// Client talks to the marketplace REST API. All reads are idempotent and
// safe to repeat; writes (send/edit/delete, mark read) are never retried
// automatically.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       *auth.State
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL string, authState *auth.State, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		auth:       authState,
	}
}

// do sends a request with the bearer credential attached and returns the
// unwrapped payload. Status codes map onto the error taxonomy: 401 to
// ErrUnauthorized, 404 to ErrNotFound, any other non-2xx to
// ErrRequestFailed.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body interface{}) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token := c.auth.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s: %w", endpoint, syncerrors.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", endpoint, syncerrors.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s returned status %d: %s: %w", endpoint, resp.StatusCode, string(respBody), syncerrors.ErrRequestFailed)
	}

	return unwrap(respBody), nil
}

// Page parameterizes paginated reads.
type Page struct {
	Page  int
	Limit int
}

func (p Page) query() url.Values {
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}

	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}

	return q
}

// SigninResponse carries the session token and account identity.
type SigninResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// Signin authenticates with email and password, returning a session
// token. Identity-sensitive: a 401 here means the credentials are bad
// and the cached token must be cleared by the caller.
func (c *Client) Signin(ctx context.Context, email, password string) (*SigninResponse, error) {
	body := map[string]string{"email": email, "password": password}

	payload, err := c.do(ctx, http.MethodPost, "/auth/signin", nil, body)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	var resp SigninResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding signin response: %w", err)
	}

	return &resp, nil
}

// CurrentUser returns the authenticated account. Identity-sensitive.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	payload, err := c.do(ctx, http.MethodGet, "/auth/me", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	var user models.User
	if err := json.Unmarshal(payload, &user); err != nil {
		return nil, fmt.Errorf("decoding current user: %w", err)
	}

	return &user, nil
}

// ListConversations returns a page of the caller's conversations.
// unreadOnly narrows to conversations with unread messages.
func (c *Client) ListConversations(ctx context.Context, page Page, unreadOnly bool) ([]models.Conversation, error) {
	q := page.query()
	if unreadOnly {
		q.Set("unread", "true")
	}

	payload, err := c.do(ctx, http.MethodGet, "/chats", q, nil)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	raw := pickArray(payload, "chats")
	if raw == nil {
		return nil, fmt.Errorf("listing conversations: %w", syncerrors.ErrBadPayload)
	}

	var conversations []models.Conversation
	if err := json.Unmarshal(raw, &conversations); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", err)
	}

	return conversations, nil
}

// ListMessages returns a page of messages for one conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page Page) ([]models.Message, error) {
	payload, err := c.do(ctx, http.MethodGet, "/chats/"+conversationID+"/messages", page.query(), nil)
	if err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, err)
	}

	raw := pickArray(payload, "messages")
	if raw == nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, syncerrors.ErrBadPayload)
	}

	var messages []models.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}

	return messages, nil
}

// SendMessage posts a message over the pull-compatible REST path. Used
// when the push channel is down; the confirmed message is returned so
// the optimistic entry can be replaced without waiting for the next poll.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string, msgType models.MessageType) (*models.Message, error) {
	req := map[string]string{
		"message":     body,
		"messageType": string(msgType),
	}

	payload, err := c.do(ctx, http.MethodPost, "/chats/"+conversationID+"/messages", nil, req)
	if err != nil {
		return nil, fmt.Errorf("sending message to %s: %w", conversationID, err)
	}

	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decoding sent message: %w", err)
	}

	return &msg, nil
}

// EditMessage replaces a message body. Only valid for the sender's own,
// non-deleted messages; the server assigns editedAt.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, body string) (*models.Message, error) {
	req := map[string]string{"message": body}

	payload, err := c.do(ctx, http.MethodPut, "/chats/"+conversationID+"/messages/"+messageID, nil, req)
	if err != nil {
		return nil, fmt.Errorf("editing message %s: %w", messageID, err)
	}

	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decoding edited message: %w", err)
	}

	return &msg, nil
}

// DeleteMessage tombstones a message. The record stays in every timeline.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/chats/"+conversationID+"/messages/"+messageID, nil, nil); err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}

	return nil
}

// ListNotifications returns a page of the caller's notifications.
// isRead, when non-nil, filters by read state.
func (c *Client) ListNotifications(ctx context.Context, page Page, isRead *bool) ([]models.Notification, error) {
	q := page.query()
	if isRead != nil {
		q.Set("isRead", strconv.FormatBool(*isRead))
	}

	payload, err := c.do(ctx, http.MethodGet, "/notifications", q, nil)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	raw := pickArray(payload, "notifications")
	if raw == nil {
		return nil, fmt.Errorf("listing notifications: %w", syncerrors.ErrBadPayload)
	}

	var notifications []models.Notification
	if err := json.Unmarshal(raw, &notifications); err != nil {
		return nil, fmt.Errorf("decoding notifications: %w", err)
	}

	return notifications, nil
}

// MarkNotificationRead flips one notification to read.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	if _, err := c.do(ctx, http.MethodPut, "/notifications/"+notificationID+"/read", nil, nil); err != nil {
		return fmt.Errorf("marking notification %s read: %w", notificationID, err)
	}

	return nil
}

// MarkAllNotificationsRead flips every notification to read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPut, "/notifications/read-all", nil, nil); err != nil {
		return fmt.Errorf("marking all notifications read: %w", err)
	}

	return nil
}
