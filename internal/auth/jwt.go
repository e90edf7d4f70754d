package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleJWKSURL serves the keys Google signs Pub/Sub push tokens with
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var defaultIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// PushIdentity is the caller proven by a push token
type PushIdentity struct {
	Subject string
	Email   string
}

// PushVerifierConfig holds the expected claims of a push token
type PushVerifierConfig struct {
	JWKSURL string
	// Audience must appear in the aud claim
	Audience string
	// Issuers defaults to Google's two issuer spellings
	Issuers []string
	// Email, when set, must equal the verified email claim (the push service account)
	Email      string
	RefreshTTL time.Duration
}

// PushVerifier checks Pub/Sub OIDC bearer tokens against a cached JWKS
type PushVerifier struct {
	cfg         PushVerifierConfig
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
}

// NewPushVerifier warms the JWKS cache and refreshes it in the background until ctx ends
func NewPushVerifier(ctx context.Context, cfg PushVerifierConfig) (*PushVerifier, error) {
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = GoogleJWKSURL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 15 * time.Minute
	}
	v := newPushVerifier(cfg)

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(warmCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.setKeySet(keySet)

	go v.backgroundRefresh(ctx)
	return v, nil
}

// NewStaticPushVerifier verifies against a fixed key set
func NewStaticPushVerifier(set jwk.Set, cfg PushVerifierConfig) *PushVerifier {
	v := newPushVerifier(cfg)
	v.setKeySet(set)
	return v
}

func newPushVerifier(cfg PushVerifierConfig) *PushVerifier {
	if len(cfg.Issuers) == 0 {
		cfg.Issuers = defaultIssuers
	}
	return &PushVerifier{cfg: cfg}
}

func (v *PushVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return jwk.Fetch(ctx, v.cfg.JWKSURL)
	}
	return keySet, nil
}

func (v *PushVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.RefreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			keySet, err := v.fetchKeySet(fetchCtx)
			cancel()
			// keep the previous keys on error, retry on next tick
			if err == nil {
				v.setKeySet(keySet)
			}
		}
	}
}

func (v *PushVerifier) setKeySet(set jwk.Set) {
	v.keySetMutex.Lock()
	v.keySet = set
	v.lastFetch = time.Now()
	v.keySetMutex.Unlock()
}

func (v *PushVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// Verify validates the bearer token on r: signature, expiry, audience,
// issuer and, if configured, the service account email.
func (v *PushVerifier) Verify(r *http.Request) (*PushIdentity, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse push token: %w", err)
	}

	if !contains(v.cfg.Issuers, token.Issuer()) {
		return nil, fmt.Errorf("unexpected token issuer %q", token.Issuer())
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}
	if v.cfg.Email != "" {
		verified := false
		if claim, ok := token.Get("email_verified"); ok {
			verified, _ = claim.(bool)
		}
		if email != v.cfg.Email || !verified {
			return nil, fmt.Errorf("token email %q is not the push service account", email)
		}
	}

	return &PushIdentity{Subject: token.Subject(), Email: email}, nil
}

// Stats reports the state of the key cache
func (v *PushVerifier) Stats() map[string]interface{} {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}
	return map[string]interface{}{
		"keys_cached": keyCount,
		"last_fetch":  v.lastFetch,
		"jwks_url":    v.cfg.JWKSURL,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
