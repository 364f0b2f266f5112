package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bynd-app/backend/internal/db"
	"github.com/bynd-app/backend/internal/model"
	"github.com/bynd-app/backend/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "handler-test-secret-0123456789abcdef"

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("down") }

func newTestRouter(t *testing.T, limiters ...*RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := db.NewMemory()
	issuer, err := service.NewAccessTokenIssuer(testSecret, 15*time.Minute)
	require.NoError(t, err)
	registry := service.NewRevocationRegistry(issuer.TTL())
	refresh := service.NewRefreshTokenService(store, 7*24*time.Hour, "", nil)
	svc, err := service.NewAuthService(store, issuer, registry, refresh, bcrypt.MinCost, nil)
	require.NoError(t, err)

	deps := RouterDeps{
		Auth:          NewAuthHandler(svc, nil),
		Health:        NewHealthHandler(store, "test", "test", nil),
		Authenticator: svc,
	}
	if len(limiters) > 0 {
		deps.AuthLimiter = limiters[0]
	}
	return NewRouter(deps)
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeAuth(t *testing.T, w *httptest.ResponseRecorder) model.AuthResponse {
	t.Helper()
	var resp model.AuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func register(t *testing.T, r http.Handler) model.AuthResponse {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/register",
		model.AuthRequest{Email: "alice@example.com", Password: "Pass1234!"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeAuth(t, w)
}

func TestRefreshRotationAndReuseOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	first := register(t, r)
	assert.NotEmpty(t, first.AccessToken)
	assert.EqualValues(t, 900, first.ExpiresIn)

	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: first.RefreshToken}, "")
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeAuth(t, w)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: first.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: second.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterValidationAndConflict(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/register", map[string]string{"email": "alice@example.com"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/register",
		model.AuthRequest{Email: "alice@example.com", Password: "weak"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/register",
		model.AuthRequest{Email: "not-an-email", Password: "Pass1234!"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/register",
		model.AuthRequest{Email: "long@example.com", Password: "Aa1" + strings.Repeat("x", 77)}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	register(t, r)
	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/register",
		model.AuthRequest{Email: "alice@example.com", Password: "Pass1234!"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterLoginLongestPassword(t *testing.T) {
	r := newTestRouter(t)
	creds := model.AuthRequest{Email: "long@example.com", Password: "Aa1" + strings.Repeat("x", 69)}

	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/register", creds, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/login", creds, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginFailures(t *testing.T) {
	r := newTestRouter(t)
	register(t, r)

	wrong := doJSON(t, r, http.MethodPost, "/api/v1/auth/login",
		model.AuthRequest{Email: "alice@example.com", Password: "Wrong1234!"}, "")
	unknown := doJSON(t, r, http.MethodPost, "/api/v1/auth/login",
		model.AuthRequest{Email: "bob@example.com", Password: "Pass1234!"}, "")

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())

	ok := doJSON(t, r, http.MethodPost, "/api/v1/auth/login",
		model.AuthRequest{Email: "alice@example.com", Password: "Pass1234!"}, "")
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestMeAndLogout(t *testing.T) {
	r := newTestRouter(t)
	pair := register(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/v1/auth/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/auth/me", nil, pair.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	var me model.AuthMeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, "alice@example.com", me.Email)
	assert.NotEmpty(t, me.ID)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/logout", model.LogoutRequest{RefreshToken: pair.RefreshToken}, pair.AccessToken)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/auth/me", nil, pair.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: pair.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/logout", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestLogoutAll(t *testing.T) {
	r := newTestRouter(t)
	pair := register(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/logout-all", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/logout-all", nil, pair.AccessToken)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: pair.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRateLimit(t *testing.T) {
	r := newTestRouter(t, NewRateLimiter(2, time.Minute))
	body := model.AuthRequest{Email: "nobody@example.com", Password: "Pass1234!"}

	for i := 0; i < 2; i++ {
		w := doJSON(t, r, http.MethodPost, "/api/v1/auth/login", body, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/login", body, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp model.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)

	w = doJSON(t, r, http.MethodGet, "/ping", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	gin.SetMode(gin.TestMode)
	degraded := gin.New()
	degraded.GET("/health", NewHealthHandler(failingPinger{}, "test", "test", nil).Health)
	w = doJSON(t, degraded, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
