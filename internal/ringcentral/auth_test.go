package ringcentral

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/config"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTokenServer(t *testing.T, hits *int32, grantSeen *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/restapi/oauth/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(hits, 1)
		if err := r.ParseForm(); err == nil && grantSeen != nil {
			*grantSeen = r.PostFormValue("grant_type")
		}
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "tok-abc",
			RefreshToken: "ref-next",
			ExpiresIn:    3600,
		})
	}))
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return tok
}

func TestJWTGrantPreferred(t *testing.T) {
	var hits int32
	var grant string
	srv := newTokenServer(t, &hits, &grant)
	defer srv.Close()

	m := NewTokenManager(config.RingCentralConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		ServerURL:    srv.URL,
		JWTToken:     signedJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "ref-seed",
	}, quietLog())

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-abc" {
		t.Fatalf("token = %q", tok)
	}
	if grant != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
		t.Fatalf("grant_type = %q, want jwt-bearer", grant)
	}
	if m.Method() != "jwt_bearer" {
		t.Fatalf("Method() = %q", m.Method())
	}
}

func TestRefreshGrantWhenJWTExpired(t *testing.T) {
	var hits int32
	var grant string
	srv := newTokenServer(t, &hits, &grant)
	defer srv.Close()

	m := NewTokenManager(config.RingCentralConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		ServerURL:    srv.URL,
		JWTToken:     signedJWT(t, time.Now().Add(-time.Hour)),
		RefreshToken: "ref-seed",
	}, quietLog())

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if grant != "refresh_token" {
		t.Fatalf("grant_type = %q, want refresh_token", grant)
	}
	if m.Method() != "refresh_token" {
		t.Fatalf("Method() = %q", m.Method())
	}
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	var hits int32
	srv := newTokenServer(t, &hits, nil)
	defer srv.Close()

	m := NewTokenManager(config.RingCentralConfig{
		ClientID: "id", ClientSecret: "secret", ServerURL: srv.URL, RefreshToken: "r",
	}, quietLog())

	for i := 0; i < 5; i++ {
		if _, err := m.Token(context.Background()); err != nil {
			t.Fatalf("Token #%d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", n)
	}
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	var hits int32
	srv := newTokenServer(t, &hits, nil)
	defer srv.Close()

	m := NewTokenManager(config.RingCentralConfig{
		ClientID: "id", ClientSecret: "secret", ServerURL: srv.URL, RefreshToken: "r",
	}, quietLog())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Token(context.Background()); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", n)
	}
}

func TestAuthFailureIsPermissionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	m := NewTokenManager(config.RingCentralConfig{
		ClientID: "id", ClientSecret: "secret", ServerURL: srv.URL, RefreshToken: "bad",
	}, quietLog())

	_, err := m.Token(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !utils.IsCode(err, utils.CodeUnauthorized) {
		t.Fatalf("error = %v, want UNAUTHORIZED", err)
	}
}

func TestNoCredentials(t *testing.T) {
	m := NewTokenManager(config.RingCentralConfig{
		ClientID: "id", ClientSecret: "secret", ServerURL: "http://127.0.0.1:1",
	}, quietLog())
	if _, err := m.Token(context.Background()); !utils.IsCode(err, utils.CodeUnauthorized) {
		t.Fatalf("error = %v, want UNAUTHORIZED", err)
	}
}
