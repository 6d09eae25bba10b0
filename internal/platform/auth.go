package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig holds client credentials for the platform.
type AuthConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the tenant token endpoint.
	TokenURL string

	Timeout time.Duration
}

// TokenEndpoint returns the token URL for the configured tenant.
func (a AuthConfig) TokenEndpoint() string {
	if a.TokenURL != "" {
		return a.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", a.TenantID)
}

// NewHTTPClient returns a client that attaches a bearer token to every
// request. Without a client id it returns a plain client.
func NewHTTPClient(ctx context.Context, cfg AuthConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	if cfg.ClientID == "" {
		return &http.Client{Timeout: timeout}
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenEndpoint(),
		Scopes:       []string{cfg.ClientID + "/.default"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	client := cc.Client(ctx)
	client.Timeout = timeout
	return client
}
