package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/logging"
)

func TestErrorHandler_MapsKinds(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   apperr.Kind
	}{
		{"validation", apperr.Validation("amount is required"), http.StatusBadRequest, apperr.KindValidation},
		{"not found", apperr.NotFound("card c-1 not found"), http.StatusNotFound, apperr.KindNotFound},
		{"conflict", apperr.Conflict("resource busy"), http.StatusConflict, apperr.KindConflict},
		{"insufficient", apperr.InsufficientBalance("short"), http.StatusUnprocessableEntity, apperr.KindInsufficientBalance},
		{"provider", apperr.Provider(assert.AnError, "charge"), http.StatusBadGateway, apperr.KindProvider},
		{"internal", assert.AnError, http.StatusInternalServerError, apperr.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
			app.Get("/", func(c *fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.kind, body.Kind)
			if tt.kind == apperr.KindInternal {
				assert.Equal(t, "Internal Server Error", body.Error)
			}
		})
	}
}

func TestErrorHandler_KeepsDetails(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Get("/", func(c *fiber.Ctx) error {
		return apperr.WithDetails(apperr.KindValidation, "transaction cannot be disputed", []string{"a", "b"})
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"a", "b"}, body.Details)
}

func TestTrustedUser(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Use(TrustedUser())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(UserID(c)) })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(userIDHeader, "user-1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit_PerUser(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Use(TrustedUser())
	app.Post("/disputes", RateLimit(cache, "dispute", 2, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusCreated)
	})

	send := func(user string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/disputes", nil)
		req.Header.Set(userIDHeader, user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, send("user-1"))
	assert.Equal(t, http.StatusCreated, send("user-1"))
	assert.Equal(t, http.StatusTooManyRequests, send("user-1"))
	assert.Equal(t, http.StatusCreated, send("user-2"))
	assert.Greater(t, mr.TTL("rl:dispute:user-1"), time.Duration(0))
}

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header.Get(requestIDHeader))

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get(requestIDHeader), 36)
}

func TestSignedWebhook(t *testing.T) {
	body := `{"transaction_id":"tx-1","status":"successful"}`
	tests := []struct {
		name      string
		secret    string
		signature string
		want      int
	}{
		{name: "unsigned", secret: "s3cret", want: http.StatusUnauthorized},
		{name: "malformed", secret: "s3cret", signature: "not-hex", want: http.StatusUnauthorized},
		{name: "wrong secret", secret: "s3cret", signature: WebhookSignature("other", []byte(body)), want: http.StatusUnauthorized},
		{name: "valid", secret: "s3cret", signature: WebhookSignature("s3cret", []byte(body)), want: http.StatusOK},
		{name: "valid with prefix", secret: "s3cret", signature: "sha256=" + WebhookSignature("s3cret", []byte(body)), want: http.StatusOK},
		{name: "no secret configured", signature: WebhookSignature("", []byte(body)), want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
			app.Post("/hook", SignedWebhook(tt.secret), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

			req := httptest.NewRequest(fiber.MethodPost, "/hook", strings.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(webhookSignatureHeader, tt.signature)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestOperatorToken(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Get("/ops", OperatorToken("ops-token"), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })

	for token, want := range map[string]int{
		"":          http.StatusUnauthorized,
		"guess":     http.StatusUnauthorized,
		"ops-token": http.StatusOK,
	} {
		req := httptest.NewRequest(fiber.MethodGet, "/ops", nil)
		if token != "" {
			req.Header.Set(opsTokenHeader, token)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, "token %q", token)
	}
}
