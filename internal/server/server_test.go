package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/config"
	"github.com/congo-pay/cardledger/internal/logging"
	"github.com/congo-pay/cardledger/internal/middleware"
)

const (
	testWebhookSecret = "whsec-test"
	testOpsToken      = "ops-test"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("WEBHOOK_SECRET", testWebhookSecret)
	t.Setenv("OPS_TOKEN", testOpsToken)
	cfg, err := config.Load()
	require.NoError(t, err)

	srv, err := New(cfg, nil, nil, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func call(t *testing.T, srv *Server, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestServer_FundNewVirtualCard(t *testing.T) {
	srv := newTestServer(t)

	status, card := call(t, srv, http.MethodPost, "/api/v1/cards", "user-1", `{"kind":"virtual"}`)
	require.Equal(t, http.StatusCreated, status)
	cardID := card["id"].(string)
	assert.Equal(t, "pending", card["issuance_fee_status"])

	status, preview := call(t, srv, http.MethodPost, "/api/v1/cards/"+cardID+"/funding/initialize", "user-1",
		`{"currency":"USD","amount":"10","method":"fiat"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0.15", preview["fee_usd"])
	assert.Equal(t, "9.85", preview["net_usd"])

	status, exec := call(t, srv, http.MethodPost, "/api/v1/cards/"+cardID+"/funding/execute", "user-1",
		`{"reference":"`+preview["reference"].(string)+`"}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "pending", exec["status"])

	require.Eventually(t, func() bool {
		_, bal := call(t, srv, http.MethodGet, "/api/v1/cards/"+cardID+"/balance", "user-1", "")
		return bal["balance"] == "8.85"
	}, 2*time.Second, 10*time.Millisecond)

	_, refreshed := call(t, srv, http.MethodGet, "/api/v1/cards/"+cardID, "user-1", "")
	assert.Equal(t, "completed", refreshed["issuance_fee_status"])
}

func TestServer_ErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	status, _ := call(t, srv, http.MethodGet, "/api/v1/cards/missing/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := call(t, srv, http.MethodGet, "/api/v1/cards/missing/balance", "user-1", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["kind"])

	status, body = call(t, srv, http.MethodGet, "/api/v1/transactions/missing/dispute/eligibility", "user-1", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["kind"])

	status, _ = call(t, srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = call(t, srv, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func send(t *testing.T, srv *Server, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func fundingWebhook(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/funding", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	return req
}

func TestServer_FundingWebhookRequiresSignature(t *testing.T) {
	srv := newTestServer(t)

	status, card := call(t, srv, http.MethodPost, "/api/v1/cards", "user-1", `{"kind":"physical"}`)
	require.Equal(t, http.StatusCreated, status)
	cardID := card["id"].(string)

	status, preview := call(t, srv, http.MethodPost, "/api/v1/cards/"+cardID+"/funding/initialize", "user-1",
		`{"currency":"EUR","amount":"20","method":"fiat"}`)
	require.Equal(t, http.StatusOK, status)
	status, exec := call(t, srv, http.MethodPost, "/api/v1/cards/"+cardID+"/funding/execute", "user-1",
		`{"reference":"`+preview["reference"].(string)+`"}`)
	require.Equal(t, http.StatusAccepted, status)

	body := `{"transaction_id":"` + exec["transaction_id"].(string) + `","status":"successful","provider_ref":"fx-done"}`

	status, _ = send(t, srv, fundingWebhook(body, ""))
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = send(t, srv, fundingWebhook(body, middleware.WebhookSignature("wrong-secret", []byte(body))))
	assert.Equal(t, http.StatusUnauthorized, status)

	_, bal := call(t, srv, http.MethodGet, "/api/v1/cards/"+cardID+"/balance", "user-1", "")
	assert.Equal(t, "0.00", bal["balance"])

	status, _ = send(t, srv, fundingWebhook(body, middleware.WebhookSignature(testWebhookSecret, []byte(body))))
	require.Equal(t, http.StatusOK, status)

	_, bal = call(t, srv, http.MethodGet, "/api/v1/cards/"+cardID+"/balance", "user-1", "")
	assert.Equal(t, preview["net_usd"], bal["balance"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ops/cards/"+cardID+"/reconcile", nil)
	status, _ = send(t, srv, req)
	assert.Equal(t, http.StatusUnauthorized, status)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/ops/cards/"+cardID+"/reconcile", nil)
	req.Header.Set("X-Ops-Token", testOpsToken)
	status, rec := send(t, srv, req)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, rec["consistent"])
	assert.Equal(t, preview["net_usd"], rec["settled"])
}
