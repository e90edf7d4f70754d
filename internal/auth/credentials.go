package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

const (
	SourceFile    = "file"
	SourceKeyring = "keyring"
	SourceBroker  = "broker"
)

// CredentialsConfig selects where the mailbox OAuth token comes from
type CredentialsConfig struct {
	Source string
	Scopes []string

	TokenFile string

	KeyringService string
	KeyringKey     string
	KeyringDir     string
	// KeyringPassword unlocks the encrypted file backend
	KeyringPassword string

	BrokerURL      string
	BrokerSecret   string
	BrokerProvider string
}

// NewTokenSource builds a refreshing token source for the configured source.
// The returned source caches tokens until they expire.
func NewTokenSource(ctx context.Context, cfg CredentialsConfig) (oauth2.TokenSource, error) {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{gmail.GmailReadonlyScope}
	}

	switch cfg.Source {
	case SourceFile, "":
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		ts, _, err := parseCredentials(ctx, data, cfg.Scopes)
		if err != nil {
			return nil, fmt.Errorf("token file %s: %w", cfg.TokenFile, err)
		}
		return ts, nil

	case SourceKeyring:
		ring, err := openKeyring(cfg)
		if err != nil {
			return nil, err
		}
		item, err := ring.Get(cfg.KeyringKey)
		if err != nil {
			return nil, fmt.Errorf("getting credential %q: %w", cfg.KeyringKey, err)
		}
		ts, stored, err := parseCredentials(ctx, item.Data, cfg.Scopes)
		if err != nil {
			return nil, fmt.Errorf("keyring credential %q: %w", cfg.KeyringKey, err)
		}
		if stored == nil {
			return ts, nil
		}
		return &persistingSource{base: ts, ring: ring, key: cfg.KeyringKey, stored: stored}, nil

	case SourceBroker:
		if cfg.BrokerURL == "" {
			return nil, fmt.Errorf("broker url is required")
		}
		client := NewBrokerClient(cfg.BrokerURL, cfg.BrokerSecret)
		provider := cfg.BrokerProvider
		if provider == "" {
			provider = ProviderGoogle
		}
		return oauth2.ReuseTokenSource(nil, &brokerSource{client: client, provider: provider}), nil
	}
	return nil, fmt.Errorf("unknown credentials source %q", cfg.Source)
}

// authorizedUser is the token.json layout written by Google's client libraries
type authorizedUser struct {
	Type         string    `json:"type,omitempty"`
	Token        string    `json:"token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	TokenURI     string    `json:"token_uri,omitempty"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// parseCredentials accepts either a token.json from an installed-app flow or
// any credential JSON carrying a "type" field (service account,
// authorized_user). The returned authorizedUser is nil for the latter.
func parseCredentials(ctx context.Context, data []byte, scopes []string) (oauth2.TokenSource, *authorizedUser, error) {
	var au authorizedUser
	if err := json.Unmarshal(data, &au); err != nil {
		return nil, nil, fmt.Errorf("decode credentials: %w", err)
	}
	if au.Type != "" {
		creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
		if err != nil {
			return nil, nil, err
		}
		return creds.TokenSource, nil, nil
	}

	if au.RefreshToken == "" || au.ClientID == "" {
		return nil, nil, fmt.Errorf("credentials need refresh_token and client_id")
	}
	if au.AccessToken == "" {
		au.AccessToken = au.Token
	}
	if au.Expiry.IsZero() {
		// an access token without expiry would be trusted forever
		au.AccessToken = ""
	}
	endpoint := google.Endpoint
	if au.TokenURI != "" {
		endpoint.TokenURL = au.TokenURI
	}
	config := &oauth2.Config{
		ClientID:     au.ClientID,
		ClientSecret: au.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	tok := &oauth2.Token{
		AccessToken:  au.AccessToken,
		RefreshToken: au.RefreshToken,
		Expiry:       au.Expiry,
		TokenType:    "Bearer",
	}
	return config.TokenSource(ctx, tok), &au, nil
}

func openKeyring(cfg CredentialsConfig) (keyring.Keyring, error) {
	service := cfg.KeyringService
	if service == "" {
		service = "inbox-relay"
	}
	dir := cfg.KeyringDir
	if dir == "" {
		dir = "~/.config/inbox-relay/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.KeyringPassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// persistingSource writes refreshed access tokens back to the keyring so a
// restart does not need an immediate refresh.
type persistingSource struct {
	base   oauth2.TokenSource
	ring   keyring.Keyring
	key    string
	mu     sync.Mutex
	stored *authorizedUser
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.stored.AccessToken {
		return tok, nil
	}
	updated := *s.stored
	updated.AccessToken = tok.AccessToken
	updated.Token = ""
	updated.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	data, err := json.Marshal(updated)
	if err == nil {
		err = s.ring.Set(keyring.Item{Key: s.key, Data: data})
	}
	// a failed write only costs one extra refresh after restart
	if err == nil {
		s.stored = &updated
	}
	return tok, nil
}

// StoreCredentials saves credential JSON into the keyring under key
func StoreCredentials(cfg CredentialsConfig, data []byte) error {
	ring, err := openKeyring(cfg)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("credentials are not valid JSON")
	}
	if err := ring.Set(keyring.Item{Key: cfg.KeyringKey, Data: data}); err != nil {
		return fmt.Errorf("setting credential %q: %w", cfg.KeyringKey, err)
	}
	return nil
}

func trimBearer(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "Bearer "))
}
