package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"mnemosyned/observability/metrics"
	"mnemosyned/receipts"
)

// GuardConfig controls receipt enforcement.
type GuardConfig struct {
	// Strict rejects state-changing responses that produced no receipt.
	// Lenient mode only logs.
	Strict bool
	// ExemptPrefixes lists path prefixes excluded from enforcement: health,
	// metrics, the receipt endpoints themselves, and the auth surface, to
	// avoid circularity.
	ExemptPrefixes []string
	Logger         *slog.Logger
}

// DefaultExemptPrefixes are the paths excluded from enforcement.
var DefaultExemptPrefixes = []string{
	"/healthz",
	"/metrics",
	"/api/v1/receipts",
	"/auth/login",
	"/auth/logout",
	"/docs",
}

var mutatingMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// ReceiptGuard enforces that every successful state-changing request appends
// a receipt. The response is buffered so a violation in strict mode can still
// be converted into a 500 after the handler has written its output. Any new
// state-changing endpoint inherits enforcement without opting in.
func ReceiptGuard(cfg GuardConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exempt := cfg.ExemptPrefixes
	if exempt == nil {
		exempt = DefaultExemptPrefixes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, mutating := mutatingMethods[r.Method]; !mutating || isExempt(r.URL.Path, exempt) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, witness := receipts.WithWitness(r.Context())
			buf := newBufferedResponse()
			next.ServeHTTP(buf, r.WithContext(ctx))

			if buf.succeeded() && !witness.Recorded() {
				if cfg.Strict {
					metrics.Service().ObserveEnforcementMiss("strict")
					logger.Error("state-changing request completed without a receipt",
						"method", r.Method, "path", r.URL.Path)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"sovereignty violation: no receipt recorded for state-changing request"}`))
					return
				}
				metrics.Service().ObserveEnforcementMiss("lenient")
				logger.Warn("state-changing request completed without a receipt",
					"method", r.Method, "path", r.URL.Path)
			}
			buf.flush(w)
		})
	}
}

func isExempt(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// bufferedResponse holds the handler's output until enforcement has decided
// whether to release it.
type bufferedResponse struct {
	header http.Header
	status int
	body   []byte
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	b.body = append(b.body, p...)
	return len(p), nil
}

func (b *bufferedResponse) succeeded() bool {
	return b.status == 0 || b.status < 400
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, values := range b.header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body)
}
