package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, rl RateLimit) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService()
	h := NewHandler(svc, "http://localhost:3000", rl)
	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, svc
}

func login(t *testing.T, ts *httptest.Server, username, password string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /auth/login: %v", err)
	}
	return resp
}

func TestLoginEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{})
	resp := login(t, ts, "demo", "demo")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("cors header = %q", got)
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Token == "" || out.ExpiresIn <= 0 {
		t.Fatalf("out = %+v", out)
	}
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{})
	resp := login(t, ts, "demo", "nope")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	ts, svc := newTestServer(t, RateLimit{})
	token, _, err := svc.Login("demo", "demo")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /auth/verify: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Principal string `json:"principal"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Principal != "demo" || out.ExpiresAt == 0 {
		t.Fatalf("out = %+v", out)
	}
}

func TestVerifyEndpointMissingToken(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{})
	resp, err := http.Get(ts.URL + "/auth/verify")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ts, svc := newTestServer(t, RateLimit{})
	token, _, err := svc.Login("demo", "demo")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"token": token})
	resp, err := http.Post(ts.URL+"/auth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /auth/refresh: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{Max: 2, Window: time.Hour})
	for i := 0; i < 2; i++ {
		resp := login(t, ts, "demo", "demo")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp := login(t, ts, "demo", "demo")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}
