// Package auth owns the session's API credentials: a file-backed access and
// refresh token pair shared by the REST client and the socket supervisors.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mutabaka/msync/internal/bus"
)

// ErrNoCredentials is returned when a refresh is requested but no refresh
// token is stored, meaning the user must log in again.
var ErrNoCredentials = errors.New("auth: no stored credentials")

// Tokens is the persisted credential pair.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refresh string) (Tokens, error)
}

// TokenSource stores the credential pair for one session and coordinates
// refreshes so that concurrent 401s trigger a single refresh call.
type TokenSource struct {
	path   string
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	tokens     Tokens
	refreshing bool
	refreshErr error
	done       chan struct{}
}

// NewTokenSource loads tokens.json from path if present.
func NewTokenSource(path string, b *bus.Bus, logger *zap.Logger) (*TokenSource, error) {
	ts := &TokenSource{
		path:   path,
		bus:    b,
		logger: logger.Named("auth"),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	if err := json.Unmarshal(data, &ts.tokens); err != nil {
		return nil, fmt.Errorf("parse tokens: %w", err)
	}
	return ts, nil
}

// Access returns the current access token, or empty when logged out.
func (ts *TokenSource) Access() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tokens.Access
}

// Set replaces the stored pair and notifies listeners.
func (ts *TokenSource) Set(t Tokens) error {
	ts.mu.Lock()
	ts.tokens = t
	err := ts.persistLocked()
	ts.mu.Unlock()
	if err != nil {
		return err
	}

	ts.bus.Publish(bus.Event{
		Kind:      bus.KindTokensChanged,
		Timestamp: time.Now(),
	})
	return nil
}

// Clear wipes the stored pair. Used on logout and on refresh rejection.
func (ts *TokenSource) Clear() error {
	ts.mu.Lock()
	ts.tokens = Tokens{}
	err := os.Remove(ts.path)
	ts.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove tokens: %w", err)
	}

	ts.bus.Publish(bus.Event{
		Kind:      bus.KindLoggedOut,
		Timestamp: time.Now(),
	})
	return nil
}

// RefreshOnce exchanges the refresh token for a new pair. Concurrent callers
// share a single in-flight refresh and its result.
func (ts *TokenSource) RefreshOnce(ctx context.Context, r Refresher) error {
	ts.mu.Lock()
	if ts.refreshing {
		done := ts.done
		ts.mu.Unlock()
		<-done
		ts.mu.Lock()
		err := ts.refreshErr
		ts.mu.Unlock()
		return err
	}

	refresh := ts.tokens.Refresh
	if refresh == "" {
		ts.mu.Unlock()
		return ErrNoCredentials
	}

	ts.refreshing = true
	ts.done = make(chan struct{})
	ts.mu.Unlock()

	tokens, err := r.RefreshToken(ctx, refresh)

	ts.mu.Lock()
	ts.refreshing = false
	ts.refreshErr = err
	done := ts.done
	if err == nil {
		ts.tokens = tokens
		if perr := ts.persistLocked(); perr != nil {
			ts.refreshErr = perr
			err = perr
		}
	}
	ts.mu.Unlock()
	close(done)

	if err != nil {
		ts.logger.Warn("token refresh failed", zap.Error(err))
		return err
	}

	ts.bus.Publish(bus.Event{
		Kind:      bus.KindTokensChanged,
		Timestamp: time.Now(),
	})
	return nil
}

func (ts *TokenSource) persistLocked() error {
	data, err := json.MarshalIndent(ts.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ts.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(ts.path, data, 0o600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return nil
}
