// Package auth authenticates trusted services calling governator's internal
// endpoints with a shared-secret HMAC over each request.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderKeyID     = "X-Governator-Key"
	HeaderTimestamp = "X-Governator-Timestamp"
	HeaderNonce     = "X-Governator-Nonce"
	HeaderSignature = "X-Governator-Signature"

	// MaxSignedBody caps the body read for signature checks.
	MaxSignedBody = 64 << 10

	maxSkew         = 2 * time.Minute
	maxReplayWindow = 10 * time.Minute
)

// ErrUnauthorized wraps every authentication failure.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Caller is an authenticated service.
type Caller struct {
	KeyID string
}

// ReplayStore remembers nonces for the replay window. Claim reports false
// when keyID already used nonce.
type ReplayStore interface {
	Claim(ctx context.Context, keyID, nonce string, at time.Time) (bool, error)
	Prune(ctx context.Context, before time.Time) error
}

type Config struct {
	// Keys maps key ids to shared secrets.
	Keys map[string]string
	// Skew is the accepted clock difference, at most two minutes.
	Skew time.Duration
	// ReplayWindow is how long nonces are remembered, at most ten minutes.
	ReplayWindow time.Duration
}

// Authenticator checks HMAC-signed service requests and rejects replays.
type Authenticator struct {
	keys       map[string][]byte
	skew       time.Duration
	window     time.Duration
	replay     ReplayStore
	nowFn      func() time.Time
	pruneEvery time.Duration

	pruneMu     sync.Mutex
	lastPruneAt time.Time
}

// NewAuthenticator builds an Authenticator. A nil replay store keeps nonces
// in memory only.
func NewAuthenticator(cfg Config, replay ReplayStore, now func() time.Time) *Authenticator {
	keys := make(map[string][]byte, len(cfg.Keys))
	for id, secret := range cfg.Keys {
		id, secret = strings.TrimSpace(id), strings.TrimSpace(secret)
		if id == "" || secret == "" {
			continue
		}
		keys[id] = []byte(secret)
	}
	skew := cfg.Skew
	if skew <= 0 || skew > maxSkew {
		skew = maxSkew
	}
	window := cfg.ReplayWindow
	if window <= 0 || window > maxReplayWindow {
		window = maxReplayWindow
	}
	if window < 2*skew {
		window = 2 * skew
	}
	if now == nil {
		now = time.Now
	}
	if replay == nil {
		replay = NewMemoryReplayStore(0)
	}
	return &Authenticator{keys: keys, skew: skew, window: window, replay: replay, nowFn: now, pruneEvery: time.Minute}
}

// Enabled reports whether any key is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.keys) > 0
}

// Authenticate checks the signature headers of r against body.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (Caller, error) {
	keyID := strings.TrimSpace(r.Header.Get(HeaderKeyID))
	secret, ok := a.keys[keyID]
	if keyID == "" || !ok {
		return Caller{}, fmt.Errorf("%w: unknown key", ErrUnauthorized)
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: malformed timestamp", ErrUnauthorized)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(secs, 0))
	if drift < -a.skew || drift > a.skew {
		return Caller{}, fmt.Errorf("%w: timestamp outside %s window", ErrUnauthorized, a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" || len(nonce) > 128 {
		return Caller{}, fmt.Errorf("%w: nonce required", ErrUnauthorized)
	}
	provided, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if err != nil || len(provided) == 0 {
		return Caller{}, fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}
	if !hmac.Equal(provided, Sign(secret, r.Method, canonicalTarget(r), tsHeader, nonce, body)) {
		return Caller{}, fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}

	if err := a.maybePrune(r.Context(), now); err != nil {
		return Caller{}, err
	}
	fresh, err := a.replay.Claim(r.Context(), keyID, nonce, now)
	if err != nil {
		return Caller{}, fmt.Errorf("auth: record nonce: %w", err)
	}
	if !fresh {
		return Caller{}, fmt.Errorf("%w: nonce replayed", ErrUnauthorized)
	}
	return Caller{KeyID: keyID}, nil
}

func (a *Authenticator) maybePrune(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruneAt.IsZero() && now.Sub(a.lastPruneAt) < a.pruneEvery {
		return nil
	}
	if err := a.replay.Prune(ctx, now.Add(-a.window)); err != nil {
		return fmt.Errorf("auth: prune nonces: %w", err)
	}
	a.lastPruneAt = now
	return nil
}

// Sign computes the request signature:
//
//	HMAC-SHA256(secret, METHOD \n target \n timestamp \n nonce \n hex(sha256(body)))
func Sign(secret []byte, method, target, timestamp, nonce string, body []byte) []byte {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	_, _ = io.WriteString(mac, strings.Join([]string{
		strings.ToUpper(method), target, timestamp, nonce, hex.EncodeToString(digest[:]),
	}, "\n"))
	return mac.Sum(nil)
}

// SignRequest sets the signature headers on r for a service client.
func SignRequest(r *http.Request, keyID, secret string, body []byte, now time.Time, nonce string) {
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderKeyID, keyID)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(Sign([]byte(secret), r.Method, canonicalTarget(r), ts, nonce, body)))
}

// canonicalTarget is the path plus the query with its pairs sorted.
func canonicalTarget(r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery == "" {
		return path
	}
	pairs := strings.Split(r.URL.RawQuery, "&")
	sort.Strings(pairs)
	return path + "?" + strings.Join(pairs, "&")
}

type callerKey struct{}

// CallerFromContext returns the service placed by Middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Middleware rejects unsigned requests. onError writes the failure response.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBody+1))
			if err != nil {
				onError(w, r, fmt.Errorf("%w: read body: %v", ErrUnauthorized, err))
				return
			}
			if len(body) > MaxSignedBody {
				onError(w, r, fmt.Errorf("%w: body exceeds %d bytes", ErrUnauthorized, MaxSignedBody))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			caller, err := a.Authenticate(r, body)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}
