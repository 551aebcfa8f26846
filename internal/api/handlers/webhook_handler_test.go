package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/config"
	"github.com/scrollDynasty/voiceaicargoprime/internal/engine"
	"github.com/scrollDynasty/voiceaicargoprime/internal/gateway"
	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
)

func testLog() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakeControl struct{}

func (fakeControl) Answer(ctx context.Context, sessionID, partyID, deviceID string) error {
	return nil
}

func (fakeControl) PartyStatus(ctx context.Context, sessionID, partyID string) (*models.Party, error) {
	return &models.Party{Status: models.PartyStatus{Code: "Ringing"}}, nil
}

func (fakeControl) Hangup(ctx context.Context, sessionID, partyID string) error { return nil }

func (fakeControl) RingOut(ctx context.Context, from, to string) error { return nil }

func newTestEngine(t *testing.T) (*engine.Engine, *registry.Registry) {
	t.Helper()
	log := testLog()
	cfg := &config.Config{}
	cfg.RingCentral.MainNumber = "+15551230000"
	cfg.Speech.ChunkSeconds = 2
	cfg.Speech.SampleRateHz = 16000

	reg := registry.New(log)
	pool := &engine.PipelinePool{NumWorkers: 1, QueueSize: 4, Logger: log}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("pool start: %v", err)
	}
	gw := &gateway.Gateway{Log: log}
	coord := engine.NewCoordinator(reg, gw, pool, engine.NopPublisher{}, "", log)
	guard := engine.NewGuard(fakeControl{}, log)
	eng := engine.NewEngine(cfg, reg, guard, coord, fakeControl{}, nil, nil,
		engine.NopPublisher{}, context.Background(), log)
	return eng, reg
}

func newWebhookRouter(eng *engine.Engine, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewWebhookHandler(eng, secret, testLog())
	r := gin.New()
	r.GET("/webhook", h.Verify)
	r.POST("/webhook", h.Receive)
	return r
}

func ringingEvent(uuid, sessionID, partyID string) []byte {
	evt := models.WebhookEvent{
		UUID:  uuid,
		Event: "/restapi/v1.0/account/~/telephony/sessions",
		Body: models.TelephonyBody{
			TelephonySessionID: sessionID,
			Parties: []models.Party{{
				ID:        partyID,
				Direction: "Inbound",
				Status:    models.PartyStatus{Code: "Ringing"},
				From:      models.CallerInfo{PhoneNumber: "+15557654321"},
				To:        models.CallerInfo{PhoneNumber: "+15551230000"},
			}},
		},
	}
	raw, _ := json.Marshal(evt)
	return raw
}

func TestVerifyEchoesChallenge(t *testing.T) {
	eng, _ := newTestEngine(t)
	r := newWebhookRouter(eng, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.challenge=abc-123", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "abc-123" {
		t.Fatalf("body = %q, want the challenge echoed verbatim", got)
	}
}

func TestVerifyWithoutChallenge(t *testing.T) {
	eng, _ := newTestEngine(t)
	r := newWebhookRouter(eng, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestReceiveEchoesValidationToken(t *testing.T) {
	eng, _ := newTestEngine(t)
	r := newWebhookRouter(eng, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.Header.Set("Validation-Token", "tok-42")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Validation-Token"); got != "tok-42" {
		t.Fatalf("Validation-Token = %q, want it echoed back", got)
	}
}

func TestReceiveCreatesSession(t *testing.T) {
	eng, reg := newTestEngine(t)
	r := newWebhookRouter(eng, "")

	body := ringingEvent("evt-1", "s1", "p1")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if !reg.Exists("s1:p1") {
		t.Fatal("expected a session for s1:p1")
	}
}

func TestReceiveDuplicateEventAcknowledged(t *testing.T) {
	eng, _ := newTestEngine(t)
	r := newWebhookRouter(eng, "")

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(ringingEvent("evt-dup", "s2", "p2")))
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, want 200", i+1, w.Code)
		}
	}
}

func TestReceiveSignature(t *testing.T) {
	const secret = "shh"
	eng, _ := newTestEngine(t)
	r := newWebhookRouter(eng, secret)

	body := ringingEvent("evt-sig", "s3", "p3")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, "bogus")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d, want 401", w.Code)
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sig)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("good signature: status = %d, want 200", w.Code)
	}
}

func TestReceiveMalformedJSON(t *testing.T) {
	eng, _ := newTestEngine(t)
	r := newWebhookRouter(eng, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{not json")))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
