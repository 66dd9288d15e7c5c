package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var ErrNoToken = errors.New("token endpoint returned no access token")

// Authorizer supplies bearer tokens for upstream requests.
type Authorizer interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops the cached token so the next call fetches a fresh one.
	Invalidate()
}

// ClientCredentials obtains tokens with the OAuth2 client credentials grant
// and caches them until they expire or are invalidated.
type ClientCredentials struct {
	config clientcredentials.Config
	logger *zap.Logger

	mu  sync.Mutex
	src oauth2.TokenSource
}

func NewClientCredentials(tokenURL, clientID, clientSecret string, scopes []string, logger *zap.Logger) *ClientCredentials {
	return &ClientCredentials{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		logger: logger,
	}
}

func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.src == nil {
		// The source keeps its context for later refreshes.
		c.src = c.config.TokenSource(context.WithoutCancel(ctx))
		c.logger.Debug("requesting access token", zap.String("tokenURL", c.config.TokenURL))
	}
	src := c.src
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("fetching token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrNoToken
	}
	return tok.AccessToken, nil
}

func (c *ClientCredentials) Invalidate() {
	c.mu.Lock()
	c.src = nil
	c.mu.Unlock()
	c.logger.Info("access token invalidated")
}

// Static always returns the same token. Invalidate is a no-op.
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }

func (s Static) Invalidate() {}
