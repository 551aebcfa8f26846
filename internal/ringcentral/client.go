package ringcentral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// Client issues call-control commands against the RingCentral REST API.
type Client struct {
	auth    *TokenManager
	baseURL string
	hc      *http.Client
	log     *logrus.Logger
}

func NewClient(auth *TokenManager, log *logrus.Logger) *Client {
	return &Client{
		auth:    auth,
		baseURL: auth.serverURL,
		hc:      &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

func partyPath(sessionID, partyID, action string) string {
	p := fmt.Sprintf("/restapi/v1.0/account/~/telephony/sessions/%s/parties/%s", sessionID, partyID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return utils.E(utils.CodeInternal, op, "encode request body", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return utils.E(utils.CodeInternal, op, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return utils.E(utils.CodeUnavailable, op, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return utils.E(codeForStatus(resp.StatusCode), op,
			fmt.Sprintf("api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return utils.E(utils.CodeUnavailable, op, "decode response", err)
		}
	}
	return nil
}

func codeForStatus(status int) utils.Code {
	switch {
	case status == http.StatusUnauthorized:
		return utils.CodeUnauthorized
	case status == http.StatusForbidden:
		return utils.CodeForbidden
	case status == http.StatusNotFound:
		return utils.CodeNotFound
	case status == http.StatusConflict:
		return utils.CodeConflict
	case status == http.StatusBadRequest:
		return utils.CodeInvalidArgument
	case status == http.StatusTooManyRequests, status >= 500:
		return utils.CodeUnavailable
	default:
		return utils.CodeInternal
	}
}

// Answer connects a ringing inbound leg on the given device.
func (c *Client) Answer(ctx context.Context, sessionID, partyID, deviceID string) error {
	const op = "Client.Answer"
	if deviceID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "deviceId is required to answer", nil)
	}
	return c.do(ctx, op, http.MethodPost, partyPath(sessionID, partyID, "answer"),
		map[string]string{"deviceId": deviceID}, nil)
}

// PartyStatus fetches the current state of a call leg.
func (c *Client) PartyStatus(ctx context.Context, sessionID, partyID string) (*models.Party, error) {
	const op = "Client.PartyStatus"
	var p models.Party
	if err := c.do(ctx, op, http.MethodGet, partyPath(sessionID, partyID, ""), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Hangup drops a leg. A 404 means the leg is already gone and is not an
// error for teardown purposes; callers check with utils.IsCode.
func (c *Client) Hangup(ctx context.Context, sessionID, partyID string) error {
	const op = "Client.Hangup"
	return c.do(ctx, op, http.MethodDelete, partyPath(sessionID, partyID, ""), nil, nil)
}

// Transfer sends the leg to another phone number (blind transfer).
func (c *Client) Transfer(ctx context.Context, sessionID, partyID, phoneNumber string) error {
	const op = "Client.Transfer"
	return c.do(ctx, op, http.MethodPost, partyPath(sessionID, partyID, "transfer"),
		map[string]string{"phoneNumber": phoneNumber}, nil)
}

// TransferToVoicemail drops the caller into the extension's voicemail.
func (c *Client) TransferToVoicemail(ctx context.Context, sessionID, partyID string) error {
	const op = "Client.TransferToVoicemail"
	return c.do(ctx, op, http.MethodPost, partyPath(sessionID, partyID, "transfer"),
		map[string]bool{"voicemail": true}, nil)
}

// Forward redirects a still-ringing leg without answering it.
func (c *Client) Forward(ctx context.Context, sessionID, partyID, phoneNumber string) error {
	const op = "Client.Forward"
	return c.do(ctx, op, http.MethodPost, partyPath(sessionID, partyID, "forward"),
		map[string]string{"phoneNumber": phoneNumber}, nil)
}

func (c *Client) Hold(ctx context.Context, sessionID, partyID string) error {
	const op = "Client.Hold"
	return c.do(ctx, op, http.MethodPost, partyPath(sessionID, partyID, "hold"), nil, nil)
}

func (c *Client) Unhold(ctx context.Context, sessionID, partyID string) error {
	const op = "Client.Unhold"
	return c.do(ctx, op, http.MethodPost, partyPath(sessionID, partyID, "unhold"), nil, nil)
}

// SendDTMF plays a tone sequence into the call.
func (c *Client) SendDTMF(ctx context.Context, sessionID, partyID, digits string) error {
	const op = "Client.SendDTMF"
	return c.do(ctx, op, http.MethodPost, partyPath(sessionID, partyID, "send-dtmf"),
		map[string]string{"dtmf": digits}, nil)
}

// RingOut starts an outbound two-leg call, used for voicemail callbacks.
func (c *Client) RingOut(ctx context.Context, from, to string) error {
	const op = "Client.RingOut"
	body := map[string]any{
		"from":       map[string]string{"phoneNumber": from},
		"to":         map[string]string{"phoneNumber": to},
		"playPrompt": false,
	}
	return c.do(ctx, op, http.MethodPost, "/restapi/v1.0/account/~/extension/~/ring-out", body, nil)
}

type subscription struct {
	ID           string   `json:"id"`
	EventFilters []string `json:"eventFilters"`
	DeliveryMode struct {
		TransportType string `json:"transportType"`
		Address       string `json:"address"`
	} `json:"deliveryMode"`
	Status string `json:"status"`
}

type subscriptionList struct {
	Records []subscription `json:"records"`
}

// TelephonyEventFilter is the notification filter for all account-level
// telephony session events.
const TelephonyEventFilter = "/restapi/v1.0/account/~/telephony/sessions"

// EnsureSubscription makes sure exactly one webhook subscription points at
// address. Stale subscriptions for the same address are dropped first so
// redeploys do not accumulate duplicates.
func (c *Client) EnsureSubscription(ctx context.Context, address string) (string, error) {
	const op = "Client.EnsureSubscription"

	var list subscriptionList
	if err := c.do(ctx, op, http.MethodGet, "/restapi/v1.0/subscription", nil, &list); err != nil {
		return "", err
	}
	for _, sub := range list.Records {
		if sub.DeliveryMode.Address != address {
			continue
		}
		if err := c.do(ctx, op, http.MethodDelete, "/restapi/v1.0/subscription/"+sub.ID, nil, nil); err != nil {
			c.log.WithError(err).WithField("subscription_id", sub.ID).Warn("failed to drop stale subscription")
		}
	}

	body := map[string]any{
		"eventFilters": []string{TelephonyEventFilter},
		"deliveryMode": map[string]string{
			"transportType": "WebHook",
			"address":       address,
		},
		"expiresIn": 86400,
	}
	var created subscription
	if err := c.do(ctx, op, http.MethodPost, "/restapi/v1.0/subscription", body, &created); err != nil {
		return "", err
	}
	c.log.WithFields(logrus.Fields{
		"subscription_id": created.ID,
		"address":         address,
	}).Info("webhook subscription active")
	return created.ID, nil
}
