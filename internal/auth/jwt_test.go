package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	testAudience = "https://relay.example.com/"
	testEmail    = "push@project.iam.gserviceaccount.com"
)

func newTestKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	_ = priv.Set(jwk.KeyIDKey, "test-kid")
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatal(err)
	}
	return priv, set
}

func signedRequest(t *testing.T, priv jwk.Key, mutate func(*jwt.Builder) *jwt.Builder) *http.Request {
	t.Helper()
	b := jwt.NewBuilder().
		Issuer("https://accounts.google.com").
		Audience([]string{testAudience}).
		Subject("1234567890").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("email", testEmail).
		Claim("email_verified", true)
	if mutate != nil {
		b = mutate(b)
	}
	tok, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer "+string(signed))
	return r
}

func TestPushVerifierAccepts(t *testing.T) {
	priv, set := newTestKeys(t)
	v := NewStaticPushVerifier(set, PushVerifierConfig{Audience: testAudience, Email: testEmail})

	id, err := v.Verify(signedRequest(t, priv, nil))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Email != testEmail || id.Subject != "1234567890" {
		t.Fatalf("identity = %+v", id)
	}
	if stats := v.Stats(); stats["keys_cached"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestPushVerifierRejects(t *testing.T) {
	priv, set := newTestKeys(t)
	other, _ := newTestKeys(t)
	v := NewStaticPushVerifier(set, PushVerifierConfig{Audience: testAudience, Email: testEmail})

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing header", httptest.NewRequest(http.MethodPost, "/", nil)},
		{"wrong key", signedRequest(t, other, nil)},
		{"wrong audience", signedRequest(t, priv, func(b *jwt.Builder) *jwt.Builder {
			return b.Audience([]string{"https://elsewhere.example.com/"})
		})},
		{"expired", signedRequest(t, priv, func(b *jwt.Builder) *jwt.Builder {
			return b.Expiration(time.Now().Add(-time.Hour))
		})},
		{"wrong issuer", signedRequest(t, priv, func(b *jwt.Builder) *jwt.Builder {
			return b.Issuer("https://evil.example.com")
		})},
		{"wrong email", signedRequest(t, priv, func(b *jwt.Builder) *jwt.Builder {
			return b.Claim("email", "someone@example.com")
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.req); err == nil {
				t.Fatal("expected verification failure")
			}
		})
	}
}
