package ringcentral

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/scrollDynasty/voiceaicargoprime/config"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// refreshSkew renews the access token this long before its expiry so
// in-flight calls never race token death.
const refreshSkew = 5 * time.Minute

// TokenManager owns the RingCentral OAuth access token. Acquisition walks
// a strategy chain: a JWT bearer grant first (when the configured JWT is
// still valid), then the refresh-token grant. Concurrent callers share one
// refresh via singleflight.
type TokenManager struct {
	clientID     string
	clientSecret string
	serverURL    string
	jwtToken     string

	hc  *http.Client
	log *logrus.Logger
	sf  singleflight.Group

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	method       string // strategy that produced the current token
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

func NewTokenManager(cfg config.RingCentralConfig, log *logrus.Logger) *TokenManager {
	return &TokenManager{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		serverURL:    strings.TrimRight(cfg.ServerURL, "/"),
		jwtToken:     cfg.JWTToken,
		refreshToken: cfg.RefreshToken,
		hc:           &http.Client{Timeout: 15 * time.Second},
		log:          log,
	}
}

// Token returns a valid access token, refreshing it when needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok, ok := m.accessToken, time.Now().Before(m.expiresAt.Add(-refreshSkew))
	m.mu.RUnlock()
	if ok && tok != "" {
		return tok, nil
	}

	_, err, _ := m.sf.Do("token", func() (interface{}, error) {
		return nil, m.Authenticate(ctx)
	})
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken, nil
}

// Authenticate acquires a fresh token, trying each strategy in order.
// Permission failures on one strategy fall through to the next; only when
// every strategy fails does the caller see an error.
func (m *TokenManager) Authenticate(ctx context.Context) error {
	const op = "TokenManager.Authenticate"

	type strategy struct {
		name string
		run  func(context.Context) error
	}
	strategies := []strategy{}

	if m.jwtToken != "" {
		strategies = append(strategies, strategy{"jwt_bearer", m.jwtGrant})
	}
	m.mu.RLock()
	refresh := m.refreshToken
	m.mu.RUnlock()
	if refresh != "" {
		strategies = append(strategies, strategy{"refresh_token", m.refreshGrant})
	}
	if len(strategies) == 0 {
		return utils.E(utils.CodeUnauthorized, op, "no credentials configured", nil)
	}

	var lastErr error
	for _, s := range strategies {
		if err := s.run(ctx); err != nil {
			m.log.WithError(err).WithField("strategy", s.name).Warn("auth strategy failed")
			lastErr = err
			continue
		}
		m.mu.Lock()
		m.method = s.name
		m.mu.Unlock()
		m.log.WithField("strategy", s.name).Info("ringcentral authenticated")
		return nil
	}
	return utils.E(utils.CodeUnauthorized, op, "all auth strategies failed", lastErr)
}

func (m *TokenManager) jwtGrant(ctx context.Context) error {
	const op = "TokenManager.jwtGrant"
	if expired, err := jwtExpired(m.jwtToken); err != nil {
		return utils.E(utils.CodeInvalidArgument, op, "configured JWT is not parseable", err)
	} else if expired {
		return utils.E(utils.CodeUnauthorized, op, "configured JWT has expired", nil)
	}
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {m.jwtToken},
	}
	return m.exchange(ctx, op, form)
}

func (m *TokenManager) refreshGrant(ctx context.Context) error {
	const op = "TokenManager.refreshGrant"
	m.mu.RLock()
	refresh := m.refreshToken
	m.mu.RUnlock()
	if refresh == "" {
		return utils.E(utils.CodeUnauthorized, op, "no refresh token", nil)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}
	return m.exchange(ctx, op, form)
}

func (m *TokenManager) exchange(ctx context.Context, op string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.serverURL+"/restapi/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return utils.E(utils.CodeInternal, op, "build token request", err)
	}
	req.SetBasicAuth(m.clientID, m.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.hc.Do(req)
	if err != nil {
		return utils.E(utils.CodeUnavailable, op, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := utils.CodeUnavailable
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusBadRequest {
			code = utils.CodeUnauthorized
		}
		return utils.E(code, op,
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return utils.E(utils.CodeUnavailable, op, "decode token response", err)
	}
	if tr.AccessToken == "" {
		return utils.E(utils.CodeUnauthorized, op, "token response had no access token", nil)
	}

	m.mu.Lock()
	m.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		m.refreshToken = tr.RefreshToken
	}
	m.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	m.mu.Unlock()
	return nil
}

// Method reports which strategy produced the current token. Empty until
// the first successful authentication.
func (m *TokenManager) Method() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.method
}

// jwtExpired inspects the exp claim without verifying the signature; the
// provider verifies it server-side, we only avoid sending dead assertions.
func jwtExpired(token string) (bool, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		// no exp claim, let the provider decide
		return false, nil
	}
	return time.Now().After(exp.Time), nil
}
