// Package rest implements the HTTP API client used for inbox snapshots,
// message backfill, sends and token refresh.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/auth"
	"github.com/mutabaka/msync/internal/wire"
)

// ErrUnauthorized is returned when a request is rejected even after a token
// refresh. The caller should treat the session as logged out.
var ErrUnauthorized = errors.New("rest: unauthorized")

// APIError carries the HTTP status and server detail for a failed request.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rest: status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("rest: status %d", e.Status)
}

// Client talks to the Mutabaka HTTP API. All requests carry the tenant host
// header and, when a session exists, a bearer token. A 401 triggers one
// shared token refresh and a single retry.
type Client struct {
	baseURL    string
	tenantHost string
	http       *http.Client
	tokens     *auth.TokenSource
	logger     *zap.Logger
}

// New creates an API client rooted at baseURL.
func New(baseURL, tenantHost string, tokens *auth.TokenSource, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		tenantHost: tenantHost,
		http:       &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		logger:     logger.Named("rest"),
	}
}

// Conversation is one row of the inbox snapshot.
type Conversation struct {
	ID             int64
	LastMessageAt  string
	LastActivityAt string
	Preview        string
	Unread         *int
}

// Message is a single chat message as returned by the API.
type Message struct {
	ID             int64
	ClientID       string
	Sender         string
	Body           string
	CreatedAt      string
	DeliveryStatus int
	DeliveredAt    string
	ReadAt         string
}

// ListConversations fetches one page of the inbox snapshot. A zero page
// requests the first page. hasMore reports whether another page follows.
func (c *Client) ListConversations(ctx context.Context, page int) (items []Conversation, hasMore bool, err error) {
	q := url.Values{}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	body, err := c.do(ctx, http.MethodGet, "conversations/", q, nil)
	if err != nil {
		return nil, false, err
	}

	doc := gjson.ParseBytes(body)
	results := doc.Get("results")
	if !results.Exists() {
		results = doc
	}
	for _, item := range results.Array() {
		id, ok := wire.ConversationID(item)
		if !ok {
			c.logger.Warn("conversation row without id", zap.String("raw", item.Raw))
			continue
		}
		items = append(items, Conversation{
			ID:             id,
			LastMessageAt:  wire.StringField(item, "last_message_at", "lastMessageAt"),
			LastActivityAt: wire.StringField(item, "last_activity_at", "lastActivityAt", "last_message_at", "lastMessageAt"),
			Preview:        wire.StringField(item, "last_message_preview", "lastMessagePreview", "last_message"),
			Unread:         wire.UnreadCount(item),
		})
	}
	return items, doc.Get("next").String() != "", nil
}

// ListMessagesSince fetches messages after sinceID in ascending id order.
func (c *Client) ListMessagesSince(ctx context.Context, conversationID, sinceID int64, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(max(1, limit)))
	if sinceID > 0 {
		q.Set("since_id", strconv.FormatInt(sinceID, 10))
	}
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("conversations/%d/messages/", conversationID), q, nil)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	results := doc.Get("results")
	if !results.Exists() {
		results = doc
	}
	var out []Message
	for _, item := range results.Array() {
		msg, ok := parseMessage(item)
		if !ok {
			c.logger.Warn("message row without id", zap.String("raw", item.Raw))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// SendMessage posts a new message with its client-generated id.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, clientID, text string) (Message, error) {
	payload := map[string]string{
		"body":      text,
		"client_id": clientID,
	}
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("conversations/%d/send/", conversationID), nil, payload)
	if err != nil {
		return Message{}, err
	}

	msg, ok := parseMessage(gjson.ParseBytes(body))
	if !ok {
		return Message{}, fmt.Errorf("rest: send response without message id")
	}
	return msg, nil
}

// TotalUnread fetches the badge count across all conversations.
func (c *Client) TotalUnread(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodGet, "inbox/unread_count", nil, nil)
	if err != nil {
		return 0, err
	}
	if n := wire.UnreadCount(gjson.ParseBytes(body)); n != nil {
		return *n, nil
	}
	return 0, nil
}

// RefreshToken exchanges a refresh token for a new pair. Unlike the other
// methods it never retries, since it is itself the refresh path.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (auth.Tokens, error) {
	payload, err := json.Marshal(map[string]string{"refresh": refresh})
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("encode refresh: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "auth/token/refresh/", nil, bytes.NewReader(payload))
	if err != nil {
		return auth.Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return auth.Tokens{}, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return auth.Tokens{}, statusError(resp.StatusCode, body)
	}

	doc := gjson.ParseBytes(body)
	access := doc.Get("access").String()
	if access == "" {
		return auth.Tokens{}, fmt.Errorf("rest: refresh response without access token")
	}
	next := doc.Get("refresh").String()
	if next == "" {
		next = refresh
	}
	return auth.Tokens{Access: access, Refresh: next}, nil
}

func parseMessage(item gjson.Result) (Message, bool) {
	id, ok := wire.MessageID(item)
	if !ok {
		return Message{}, false
	}
	status := 0
	switch item.Get("status").String() {
	case "read":
		status = wire.StatusRead
	case "delivered":
		status = wire.StatusDelivered
	}
	if v := item.Get("delivery_status"); v.Exists() {
		status = int(v.Int())
	}
	return Message{
		ID:             id,
		ClientID:       wire.StringField(item, "client_id", "clientId"),
		Sender:         wire.StringField(item, "sender", "sender_username", "senderUsername"),
		Body:           wire.StringField(item, "body", "text"),
		CreatedAt:      wire.StringField(item, "created_at", "createdAt"),
		DeliveryStatus: status,
		DeliveredAt:    wire.StringField(item, "delivered_at", "deliveredAt"),
		ReadAt:         wire.StringField(item, "read_at", "readAt"),
	}, true
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL
	if u == "" || u[len(u)-1] != '/' {
		u += "/"
	}
	u += path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client", "daemon")
	if c.tenantHost != "" {
		req.Header.Set("X-Tenant-Host", c.tenantHost)
	}
	return req, nil
}

// do performs an authorized request, refreshing the token and retrying once
// on 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	body, status, err := c.once(ctx, method, path, query, encoded)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		if rerr := c.tokens.RefreshOnce(ctx, c); rerr != nil {
			return nil, errors.Join(ErrUnauthorized, rerr)
		}
		body, status, err = c.once(ctx, method, path, query, encoded)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
	}
	if status < 200 || status > 299 {
		return nil, statusError(status, body)
	}
	return body, nil
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, encoded []byte) ([]byte, int, error) {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return nil, 0, err
	}
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access := c.tokens.Access(); access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func statusError(status int, body []byte) error {
	detail := gjson.GetBytes(body, "detail").String()
	return &APIError{Status: status, Detail: detail}
}
