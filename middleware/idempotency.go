package middleware

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mnemosyned/models"
)

const headerIdempotencyKey = "Idempotency-Key"

// WithIdempotency replays the stored response for requests repeating an
// Idempotency-Key. A key reused against a different method or path is
// rejected rather than replayed.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(headerIdempotencyKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		var record models.IdempotencyKey
		if err := db.First(&record, "key = ?", key).Error; err == nil {
			if record.Method != r.Method || record.Path != r.URL.Path {
				http.Error(w, "idempotency key already used for a different request", http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &passthroughRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		payload := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  string(recorder.body),
			CreatedAt: time.Now(),
		}
		if payload.Status == 0 {
			payload.Status = http.StatusOK
		}
		_ = db.Create(&payload).Error
	})
}

// passthroughRecorder captures the response while still writing it through.
type passthroughRecorder struct {
	http.ResponseWriter
	body   []byte
	status int
}

func (rr *passthroughRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *passthroughRecorder) Write(p []byte) (int, error) {
	rr.body = append(rr.body, p...)
	return rr.ResponseWriter.Write(p)
}
