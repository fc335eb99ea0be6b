package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"governator/models"
	"governator/session"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 128
)

// Idempotency replays the first stored response for a repeated
// Idempotency-Key. Keys are scoped to the caller, method and path. Only 2xx
// responses are stored, so a rejected request can be corrected and resent
// under the same key.
type Idempotency struct {
	db     *gorm.DB
	ttl    time.Duration
	nowFn  func() time.Time
	logger *slog.Logger
}

// NewIdempotency stores replayable responses in db for ttl.
func NewIdempotency(db *gorm.DB, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, ttl: ttl, nowFn: time.Now, logger: logger}
}

// Middleware replays or records responses for requests carrying the key.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if raw == "" || r.Method == http.MethodGet || r.Method == http.MethodHead || len(raw) > maxIdempotencyKeyLen {
			next.ServeHTTP(w, r)
			return
		}
		key := i.scopedKey(r, raw)
		now := i.nowFn().UTC()

		var stored models.IdempotencyKey
		err := i.db.WithContext(r.Context()).Where(&models.IdempotencyKey{Key: key}).Take(&stored).Error
		switch {
		case err == nil && now.Sub(stored.CreatedAt) < i.ttl:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Response)
			return
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			i.logger.WarnContext(r.Context(), "idempotency lookup failed", "error", err)
		}

		capture := &bodyCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status < http.StatusOK || capture.status >= http.StatusMultipleChoices {
			return
		}
		row := models.IdempotencyKey{Key: key, Status: capture.status, Response: capture.body.Bytes(), CreatedAt: now}
		err = i.db.WithContext(r.Context()).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "response", "created_at"}),
		}).Create(&row).Error
		if err != nil {
			i.logger.WarnContext(r.Context(), "idempotency store failed", "error", err)
		}
	})
}

// Prune deletes keys older than the replay window.
func (i *Idempotency) Prune(ctx context.Context) error {
	return i.db.WithContext(ctx).Where("created_at < ?", i.nowFn().UTC().Add(-i.ttl)).Delete(&models.IdempotencyKey{}).Error
}

func (i *Idempotency) scopedKey(r *http.Request, raw string) string {
	caller := "anonymous"
	if p, ok := session.FromContext(r.Context()); ok {
		caller = p.UserID.String()
	}
	h := blake3.New(32, nil)
	for _, part := range []string{caller, r.Method, r.URL.Path, raw} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type bodyCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (b *bodyCapture) WriteHeader(code int) {
	if !b.wroteHeader {
		b.status = code
		b.wroteHeader = true
	}
	b.ResponseWriter.WriteHeader(code)
}

func (b *bodyCapture) Write(p []byte) (int, error) {
	b.wroteHeader = true
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}
