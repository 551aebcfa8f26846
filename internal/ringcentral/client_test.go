package ringcentral

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scrollDynasty/voiceaicargoprime/config"
	"github.com/scrollDynasty/voiceaicargoprime/internal/utils"
)

// apiServer serves both the token endpoint and the recorded control call.
func apiServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/restapi/oauth/token" {
			json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok", ExpiresIn: 3600})
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		handler(w, r)
	}))
	m := NewTokenManager(config.RingCentralConfig{
		ClientID: "id", ClientSecret: "secret", ServerURL: srv.URL, RefreshToken: "r",
	}, quietLog())
	return srv, NewClient(m, quietLog())
}

func TestAnswerSendsDeviceID(t *testing.T) {
	var gotPath, gotBody string
	srv, c := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	})
	defer srv.Close()

	if err := c.Answer(context.Background(), "s-1", "p-2", "dev-9"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	want := "/restapi/v1.0/account/~/telephony/sessions/s-1/parties/p-2/answer"
	if gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(gotBody), &body); err != nil {
		t.Fatalf("body not JSON: %q", gotBody)
	}
	if body["deviceId"] != "dev-9" {
		t.Errorf("deviceId = %q", body["deviceId"])
	}
}

func TestAnswerWithoutDeviceIDRejectedLocally(t *testing.T) {
	srv, c := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the provider")
	})
	defer srv.Close()

	err := c.Answer(context.Background(), "s", "p", "")
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestConflictMapsToConflictCode(t *testing.T) {
	srv, c := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"party already answered"}`))
	})
	defer srv.Close()

	err := c.Answer(context.Background(), "s", "p", "d")
	if !utils.IsCode(err, utils.CodeConflict) {
		t.Fatalf("error = %v, want CONFLICT", err)
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv, c := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	err := c.Hangup(context.Background(), "s", "p")
	if !utils.Retryable(err) {
		t.Fatalf("error = %v, want retryable", err)
	}
}

func TestForbiddenIsNotRetryable(t *testing.T) {
	srv, c := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	defer srv.Close()

	err := c.Transfer(context.Background(), "s", "p", "+15550100")
	if !utils.IsCode(err, utils.CodeForbidden) {
		t.Fatalf("error = %v, want FORBIDDEN", err)
	}
	if utils.Retryable(err) {
		t.Fatal("permission error must not be retryable")
	}
}

func TestEnsureSubscriptionDropsStale(t *testing.T) {
	var deleted []string
	var created bool
	srv, c := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/restapi/v1.0/subscription":
			json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{
				{"id": "old-1", "deliveryMode": map[string]string{"transportType": "WebHook", "address": "https://x/webhook"}},
				{"id": "other", "deliveryMode": map[string]string{"transportType": "WebHook", "address": "https://y/webhook"}},
			}})
		case r.Method == http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/restapi/v1.0/subscription":
			created = true
			json.NewEncoder(w).Encode(map[string]string{"id": "new-1"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	defer srv.Close()

	id, err := c.EnsureSubscription(context.Background(), "https://x/webhook")
	if err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if id != "new-1" || !created {
		t.Fatalf("id = %q, created = %v", id, created)
	}
	if len(deleted) != 1 || deleted[0] != "/restapi/v1.0/subscription/old-1" {
		t.Fatalf("deleted = %v, want only the stale subscription for our address", deleted)
	}
}
