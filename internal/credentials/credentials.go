package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"calendar-ingest-worker/internal/model"
)

// MailScope is the OAuth scope granting IMAP access on Google accounts
const MailScope = "https://mail.google.com/"

const (
	envPrefix     = "env:"
	keyringPrefix = "keyring:"
	serviceName   = "calendar-worker"
)

// ErrUnresolved is returned when a secret reference points at nothing
var ErrUnresolved = errors.New("secret reference cannot be resolved")

// Resolver turns secret references into values and owns the OAuth token
// sources of all sessions. It is safe for concurrent use.
type Resolver struct {
	openKeyring func() (keyring.Keyring, error)
	lookupEnv   func(string) (string, bool)
	httpClient  *http.Client

	mu     sync.Mutex
	ring   keyring.Keyring
	tokens map[string]oauth2.TokenSource
}

// Option configures a Resolver
type Option func(*Resolver)

// WithKeyring uses an already opened keyring
func WithKeyring(ring keyring.Keyring) Option {
	return func(r *Resolver) {
		r.ring = ring
	}
}

// WithHTTPClient sets the client used for token refreshes
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.httpClient = client
	}
}

func withEnv(lookup func(string) (string, bool)) Option {
	return func(r *Resolver) {
		r.lookupEnv = lookup
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		openKeyring: openSystemKeyring,
		lookupEnv:   os.LookupEnv,
		tokens:      make(map[string]oauth2.TokenSource),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func openSystemKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/calendar-worker/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("calendar-worker-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func (r *Resolver) keyring() (keyring.Keyring, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring == nil {
		ring, err := r.openKeyring()
		if err != nil {
			return nil, err
		}
		r.ring = ring
	}
	return r.ring, nil
}

// Secret resolves "env:NAME", "keyring:KEY" or returns ref as a literal
func (r *Resolver) Secret(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimPrefix(ref, envPrefix)
		value, ok := r.lookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrUnresolved, name)
		}
		return value, nil
	case strings.HasPrefix(ref, keyringPrefix):
		key := strings.TrimPrefix(ref, keyringPrefix)
		ring, err := r.keyring()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		item, err := ring.Get(key)
		if err != nil {
			if errors.Is(err, keyring.ErrKeyNotFound) {
				return "", fmt.Errorf("%w: keyring key %q not found", ErrUnresolved, key)
			}
			return "", fmt.Errorf("getting credential %q: %w", key, err)
		}
		return string(item.Data), nil
	case ref == "":
		return "", fmt.Errorf("%w: empty secret", ErrUnresolved)
	default:
		return ref, nil
	}
}

// Store saves a secret in the keyring under key
func (r *Resolver) Store(key, value string) error {
	ring, err := r.keyring()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// OAuthConfig builds the OAuth client configuration for auth, resolving
// its client secret reference.
func (r *Resolver) OAuthConfig(auth model.IMAPAuth) (*oauth2.Config, error) {
	clientSecret := ""
	if auth.ClientSecret != "" {
		secret, err := r.Secret(auth.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("client secret: %w", err)
		}
		clientSecret = secret
	}

	endpoint := google.Endpoint
	if auth.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: auth.TokenURL}
	}

	return &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: clientSecret,
		Scopes:       []string{MailScope},
		Endpoint:     endpoint,
	}, nil
}

// TokenSource returns the cached token source of a provider, creating it
// from the refresh token on first use.
func (r *Resolver) TokenSource(providerID string, auth model.IMAPAuth) (oauth2.TokenSource, error) {
	r.mu.Lock()
	ts, ok := r.tokens[providerID]
	r.mu.Unlock()
	if ok {
		return ts, nil
	}

	cfg, err := r.OAuthConfig(auth)
	if err != nil {
		return nil, err
	}
	refreshToken, err := r.Secret(auth.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	// Refreshes outlive any single session context.
	ctx := context.Background()
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	ts = oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}))

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tokens[providerID]; ok {
		return existing, nil
	}
	r.tokens[providerID] = ts
	return ts, nil
}

// AccessToken returns a valid access token for the provider
func (r *Resolver) AccessToken(providerID string, auth model.IMAPAuth) (string, error) {
	ts, err := r.TokenSource(providerID, auth)
	if err != nil {
		return "", err
	}
	token, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}
	return token.AccessToken, nil
}

// Forget drops the cached token source of a provider
func (r *Resolver) Forget(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, providerID)
}
