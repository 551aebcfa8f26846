package handlers

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/engine"
	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// signatureHeader carries the base64 HMAC-SHA1 of the raw body when a
// webhook secret is configured.
const signatureHeader = "X-RC-Signature"

type WebhookHandler struct {
	engine *engine.Engine
	secret string
	log    *logrus.Logger
}

func NewWebhookHandler(eng *engine.Engine, secret string, log *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{engine: eng, secret: secret, log: log}
}

// Verify answers the provider's endpoint ownership probe: the
// hub.challenge query value must come back verbatim as plain text.
func (h *WebhookHandler) Verify(c *gin.Context) {
	challenge := c.Query("hub.challenge")
	if challenge == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "WebhookHandler.Verify", "missing hub.challenge", nil))
		return
	}
	c.String(http.StatusOK, "%s", challenge)
}

// Receive handles telephony notifications. Subscription validation posts
// carry a Validation-Token header and an empty body; they are answered by
// echoing the header back. Everything else is verified, parsed, and fed
// to the engine. The provider retries any non-2xx response, so every
// outcome past signature and parse failures is acknowledged with 200.
func (h *WebhookHandler) Receive(c *gin.Context) {
	const op = "WebhookHandler.Receive"

	if vt := c.GetHeader("Validation-Token"); vt != "" {
		c.Header("Validation-Token", vt)
		c.Status(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "failed to read body", err))
		return
	}
	if len(body) == 0 {
		c.Status(http.StatusOK)
		return
	}

	if h.secret != "" && !h.validSignature(body, c.GetHeader(signatureHeader)) {
		h.log.Warn("webhook signature mismatch, rejecting")
		writeError(c, utils.E(utils.CodeUnauthorized, op, "invalid signature", nil))
		return
	}

	var evt models.WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "body is not valid JSON", err))
		return
	}

	if err := h.engine.HandleTelephonyEvent(c.Request.Context(), &evt); err != nil {
		if utils.IsCode(err, utils.CodeDuplicateEvent) {
			c.Status(http.StatusOK)
			return
		}
		h.log.WithError(err).WithField("event", evt.Event).Error("telephony event rejected")
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *WebhookHandler) validSignature(body []byte, got string) bool {
	if got == "" {
		return false
	}
	mac := hmac.New(sha1.New, []byte(h.secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}
