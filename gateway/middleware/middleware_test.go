package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"governator/models"
	"governator/session"
	"governator/storage/storagetest"
)

func statusWriter(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		w.WriteHeader(http.StatusTooManyRequests)
	default:
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func withPrincipal(r *http.Request, userID uuid.UUID) *http.Request {
	return r.WithContext(session.WithPrincipal(r.Context(), session.Principal{UserID: userID}))
}

func TestRateLimiterBlocksAfterBurstPerCaller(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"challenge": {RequestsPerMinute: 1, Burst: 1}}, statusWriter)
	handler := limiter.Middleware("challenge")(okHandler())
	alice, bob := uuid.New(), uuid.New()

	serve := func(user uuid.UUID) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodPost, "/challenge", nil), user))
		return rec.Code
	}
	require.Equal(t, http.StatusOK, serve(alice))
	require.Equal(t, http.StatusTooManyRequests, serve(alice))
	require.Equal(t, http.StatusOK, serve(bob))
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"challenge": {RequestsPerMinute: 1, Burst: 1},
		"verify":    {RequestsPerMinute: 1, Burst: 1},
	}, statusWriter)
	user := uuid.New()
	for _, route := range []string{"challenge", "verify"} {
		rec := httptest.NewRecorder()
		limiter.Middleware(route)(okHandler()).ServeHTTP(rec, withPrincipal(httptest.NewRequest(http.MethodPost, "/"+route, nil), user))
		require.Equal(t, http.StatusOK, rec.Code, route)
	}
	rec := httptest.NewRecorder()
	limiter.Middleware("unlisted")(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterForgetsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"verify": {RequestsPerMinute: 1, Burst: 1}}, statusWriter)
	now := time.Now()
	limiter.nowFn = func() time.Time { return now }
	require.True(t, limiter.allow("verify|ip:1.2.3.4", limiter.limits["verify"]))
	require.Len(t, limiter.visitors, 1)
	now = now.Add(11 * time.Minute)
	require.True(t, limiter.allow("verify|ip:5.6.7.8", limiter.limits["verify"]))
	require.Len(t, limiter.visitors, 1)
}

type fakeSessions struct{}

func (fakeSessions) Authenticate(_ context.Context, bearer string) (session.Principal, error) {
	if bearer != "good" {
		return session.Principal{}, session.ErrUnauthenticated
	}
	return session.Principal{UserID: uuid.MustParse("6f1c2a44-9a55-4c0e-9d0f-3f1f1b8c1e01")}, nil
}

func TestRequireSession(t *testing.T) {
	var seen session.Principal
	handler := RequireSession(fakeSessions{}, statusWriter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = session.FromContext(r.Context())
	}))

	for _, header := range []string{"", "Basic abc", "Bearer bad"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer  good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "6f1c2a44-9a55-4c0e-9d0f-3f1f1b8c1e01", seen.UserID.String())
}

func TestCORS(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://app.governator.test/"}, AllowCredentials: true})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/polls", nil)
	req.Header.Set("Origin", "https://app.governator.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.governator.test", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")

	req = httptest.NewRequest(http.MethodGet, "/polls", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db := storagetest.NewDB(t)
	idem := NewIdempotency(db, time.Hour, nil)
	var calls atomic.Int32
	handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"n":%d}`, n)
	}))
	user := uuid.New()
	post := func(key string, as uuid.UUID) *httptest.ResponseRecorder {
		req := withPrincipal(httptest.NewRequest(http.MethodPost, "/polls", strings.NewReader(`{}`)), as)
		req.Header.Set(HeaderIdempotencyKey, key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := post("k1", user)
	require.Equal(t, http.StatusCreated, first.Code)
	again := post("k1", user)
	require.Equal(t, http.StatusCreated, again.Code)
	require.JSONEq(t, first.Body.String(), again.Body.String())
	require.Equal(t, "true", again.Header().Get(HeaderReplayed))
	require.EqualValues(t, 1, calls.Load())

	require.JSONEq(t, `{"n":2}`, post("k1", uuid.New()).Body.String())
	require.JSONEq(t, `{"n":3}`, post("k2", user).Body.String())
	require.NoError(t, idem.Prune(context.Background()))
}

func TestIdempotencyStoresOnlySuccess(t *testing.T) {
	statuses := []int{http.StatusBadGateway, http.StatusUnprocessableEntity, http.StatusConflict, http.StatusTooManyRequests}
	for _, status := range statuses {
		t.Run(http.StatusText(status), func(t *testing.T) {
			db := storagetest.NewDB(t)
			idem := NewIdempotency(db, time.Hour, nil)
			var calls atomic.Int32
			handler := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(status)
					return
				}
				w.WriteHeader(http.StatusCreated)
			}))
			send := func() *httptest.ResponseRecorder {
				req := httptest.NewRequest(http.MethodPost, "/polls", nil)
				req.Header.Set(HeaderIdempotencyKey, "retry-me")
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				return rec
			}

			require.Equal(t, status, send().Code)
			var stored int64
			require.NoError(t, db.Model(&models.IdempotencyKey{}).Count(&stored).Error)
			require.Zero(t, stored)

			second := send()
			require.Equal(t, http.StatusCreated, second.Code)
			require.Empty(t, second.Header().Get(HeaderReplayed))

			third := send()
			require.Equal(t, http.StatusCreated, third.Code)
			require.Equal(t, "true", third.Header().Get(HeaderReplayed))
			require.EqualValues(t, 2, calls.Load())
		})
	}
}

func TestObservabilityLabelsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObservability(ObservabilityConfig{}, reg, nil)
	router := chi.NewRouter()
	router.Use(obs.Middleware)
	router.Get("/polls/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/polls/123", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(obs.requests.WithLabelValues("/polls/{id}", http.MethodGet, "404")))
}
