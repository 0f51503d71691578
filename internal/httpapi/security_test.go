package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t, Options{AllowedOrigin: "https://shop.confi.test"})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.confi.test" {
		t.Fatalf("expected configured origin, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t, Options{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
	if !strings.Contains(res.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key in allowed headers")
	}
}

func TestOrderRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t, Options{OrderRateLimit: 2})
	body, _ := json.Marshal(orderPayload(map[string]any{"variantId": "var_gummy_bears", "quantity": 1}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 2 && res.Code != http.StatusCreated {
			t.Fatalf("attempt %d expected 201 before limit, got %d", i+1, res.Code)
		}
		if i == 2 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 3 expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t, Options{})
	veryLong := strings.Repeat("a", maxBodyBytes+1024)
	body := fmt.Sprintf(`{"items":[{"variantId":"%s","quantity":1}]}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/validate-cart", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for too large body, got %d", res.Code)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	api := newTestAPI(t, Options{})
	body := `{"items":[{"variantId":"var_fudge_vanilla","quantity":1,"discount":99}]}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/validate-cart", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 20, 100); got != 100 {
		t.Fatalf("expected capped limit 100, got %d", got)
	}
	if got := parsePositiveLimit("", 20, 100); got != 20 {
		t.Fatalf("expected fallback limit 20, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 20, 100); got != 20 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}

func TestAttemptLimiterForgetsIdleClients(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := newAttemptLimiter(2, time.Minute)
	limiter.now = func() time.Time { return clock }

	for i := 0; i < 50; i++ {
		if !limiter.Allow(fmt.Sprintf("10.0.0.%d", i)) {
			t.Fatalf("first attempt from client %d should pass", i)
		}
	}
	if !limiter.Allow("10.0.0.1") || limiter.Allow("10.0.0.1") {
		t.Fatalf("expected third attempt inside the window to be refused")
	}

	clock = clock.Add(2 * time.Minute)
	if !limiter.Allow("10.0.0.99") {
		t.Fatalf("expected new client to pass")
	}
	if got := len(limiter.entries); got != 1 {
		t.Fatalf("expected idle clients to be dropped, %d keys remain", got)
	}
	if !limiter.Allow("10.0.0.1") {
		t.Fatalf("expected window to reset for returning client")
	}
}
