package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coppermind/agentbridge/internal/audit"
)

// RateLimit configures the per-IP token bucket guarding the auth endpoints.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// Handler serves the auth HTTP surface.
type Handler struct {
	svc        *Service
	corsOrigin string

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHandler wraps the service with HTTP endpoints, rate limiting and CORS.
func NewHandler(svc *Service, corsOrigin string, rl RateLimit) *Handler {
	if rl.Max <= 0 {
		rl.Max = 30
	}
	if rl.Window <= 0 {
		rl.Window = time.Minute
	}
	return &Handler{
		svc:        svc,
		corsOrigin: corsOrigin,
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Limit(float64(rl.Max) / rl.Window.Seconds()),
		burst:      rl.Max,
	}
}

// Register mounts the auth endpoints on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.withCommon(h.handleLogin))
	mux.HandleFunc("/auth/verify", h.withCommon(h.handleVerify))
	mux.HandleFunc("/auth/refresh", h.withCommon(h.handleRefresh))
}

func (h *Handler) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !h.allow(remoteIP(r)) {
			audit.Record("deny", "auth.rate_limit", "rate limit exceeded", remoteIP(r))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) allow(ip string) bool {
	h.limMu.Lock()
	defer h.limMu.Unlock()
	lim, ok := h.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.limiters[ip] = lim
	}
	return lim.Allow()
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	token, expiresAt, err := h.svc.Login(body.Username, body.Password)
	if err != nil {
		audit.Record("deny", "auth.login", "bad credentials", body.Username)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	audit.Record("allow", "auth.login", "", body.Username)
	slog.Info("auth: login", "username", body.Username)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int64(time.Until(expiresAt).Seconds()),
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return
	}
	principal, expiresAt, err := h.svc.Expiry(token)
	if err != nil {
		audit.Record("deny", "auth.verify", err.Error(), "")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal": principal,
		"expiresAt": expiresAt.UnixMilli(),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token required"})
		return
	}
	token, expiresAt, err := h.svc.Refresh(body.Token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, ErrTokenExpired) {
			reason = "past refresh grace"
		}
		audit.Record("deny", "auth.refresh", reason, "")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int64(time.Until(expiresAt).Seconds()),
	})
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
