package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMissingToken is returned by a dial attempt when no access token is
// stored. The supervisor retries this case on a fixed delay without
// consuming a reconnect attempt.
var ErrMissingToken = errors.New("ws: no access token")

// DialFunc opens one websocket connection.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// TokenProvider yields the current access token, or empty when logged out.
type TokenProvider interface {
	Access() string
}

// NewDialFunc builds a DialFunc for one endpoint path under the websocket
// base URL. The token rides both in the query string and the Authorization
// header; the tenant host rides in the query and its own header.
func NewDialFunc(baseURL, path, tenantHost string, tokens TokenProvider) DialFunc {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	return func(ctx context.Context) (*websocket.Conn, error) {
		access := tokens.Access()
		if access == "" {
			return nil, ErrMissingToken
		}

		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse ws base url: %w", err)
		}
		u = u.JoinPath(path)
		q := u.Query()
		q.Set("token", access)
		if tenantHost != "" {
			q.Set("tenant", tenantHost)
			q.Set("tenant_host", tenantHost)
		}
		u.RawQuery = q.Encode()

		header := http.Header{}
		header.Set("Authorization", "Bearer "+access)
		if tenantHost != "" {
			header.Set("X-Tenant-Host", tenantHost)
		}

		conn, resp, err := dialer.DialContext(ctx, u.String(), header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", path, err)
		}
		return conn, nil
	}
}
