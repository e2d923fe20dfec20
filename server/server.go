package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"mnemosyned/auth"
	"mnemosyned/middleware"
	"mnemosyned/models"
	"mnemosyned/negotiation"
	"mnemosyned/receipts"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Engine        *negotiation.Engine
	Receipts      *receipts.Chain
	Auth          *auth.Middleware
	Logger        *slog.Logger
	ReceiptStrict bool
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db       *gorm.DB
	engine   *negotiation.Engine
	receipts *receipts.Chain
	auth     *auth.Middleware
	logger   *slog.Logger
	strict   bool

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency
// and receipt enforcement.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		db:       cfg.DB,
		engine:   cfg.Engine,
		receipts: cfg.Receipts,
		auth:     cfg.Auth,
		logger:   cfg.Logger,
		strict:   cfg.ReceiptStrict,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.db, next) })
		api.Use(middleware.ReceiptGuard(middleware.GuardConfig{Strict: s.strict, Logger: s.logger}))

		api.Post("/negotiations", s.CreateNegotiation)
		api.Get("/negotiations", s.ListNegotiations)
		api.Get("/negotiations/{id}", s.GetNegotiation)
		api.Post("/negotiations/{id}/offer", s.SendOffer)
		api.Post("/negotiations/{id}/accept", s.Accept)
		api.Post("/negotiations/{id}/finalize", s.Finalize)
		api.Post("/negotiations/{id}/withdraw", s.Withdraw)
		api.Post("/negotiations/{id}/dispute", s.Dispute)
		api.Post("/negotiations/{id}/join", s.Join)
		api.Get("/negotiations/timeouts", s.CheckTimeouts)

		api.Get("/receipts", s.ListReceipts)
		api.Get("/receipts/verify", s.VerifyReceipts)
	})

	return r
}

// CreateNegotiation opens a new negotiation on behalf of the caller.
func (s *Server) CreateNegotiation(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	var req struct {
		Title             string         `json:"title"`
		Description       string         `json:"description"`
		ParticipantIDs    []string       `json:"participant_ids"`
		InitialTerms      models.JSONMap `json:"initial_terms"`
		NegotiationDays   int            `json:"negotiation_days"`
		FinalizationDays  int            `json:"finalization_days"`
		RequiredConsensus int            `json:"required_consensus_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	neg, err := s.engine.Create(r.Context(), negotiation.CreateParams{
		Initiator:         claims.Subject,
		Title:             req.Title,
		Description:       req.Description,
		ParticipantIDs:    req.ParticipantIDs,
		InitialTerms:      req.InitialTerms,
		NegotiationDays:   req.NegotiationDays,
		FinalizationDays:  req.FinalizationDays,
		RequiredConsensus: req.RequiredConsensus,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, neg)
}

// ListNegotiations returns the negotiations the caller participates in.
func (s *Server) ListNegotiations(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	negs, err := s.engine.ListForParticipant(r.Context(), claims.Subject)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"negotiations": negs})
}

// GetNegotiation returns negotiation detail including its transcript.
func (s *Server) GetNegotiation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.negotiationID(w, r)
	if !ok {
		return
	}
	neg, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, neg)
}

// SendOffer records a counter-offer with revised terms.
func (s *Server) SendOffer(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.negotiationID(w, r)
	if !ok {
		return
	}

	var req struct {
		Terms       models.JSONMap `json:"terms"`
		MessageText string         `json:"message_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	neg, err := s.engine.SendOffer(r.Context(), id, claims.Subject, req.Terms, req.MessageText)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, neg)
}

// Accept records the caller's acceptance of the current terms.
func (s *Server) Accept(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.negotiationID(w, r)
	if !ok {
		return
	}

	var req struct {
		Signature   string `json:"signature"`
		MessageText string `json:"message_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	neg, err := s.engine.Accept(r.Context(), id, claims.Subject, req.Signature, req.MessageText)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, neg)
}

// Finalize records the caller's finalization signature; once enough
// participants have finalized the agreement becomes binding.
func (s *Server) Finalize(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.negotiationID(w, r)
	if !ok {
		return
	}

	var req struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	neg, err := s.engine.Finalize(r.Context(), id, claims.Subject, req.Signature)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, neg)
}

// Withdraw removes the caller from an open negotiation.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.negotiationID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	neg, err := s.engine.Withdraw(r.Context(), id, claims.Subject, req.Reason)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, neg)
}

// Dispute challenges a binding agreement and opens an appeal.
func (s *Server) Dispute(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.negotiationID(w, r)
	if !ok {
		return
	}

	var req struct {
		DisputeReason string `json:"dispute_reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.DisputeReason == "" {
		http.Error(w, "dispute_reason is required", http.StatusBadRequest)
		return
	}

	neg, appeal, err := s.engine.Dispute(r.Context(), id, claims.Subject, req.DisputeReason)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"negotiation": neg, "appeal": appeal})
}

// Join marks a listed participant as having joined the negotiation.
func (s *Server) Join(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	id, ok := s.negotiationID(w, r)
	if !ok {
		return
	}

	neg, err := s.engine.Join(r.Context(), id, claims.Subject)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, neg)
}

// CheckTimeouts runs the expiry sweep over all negotiations and reports what
// it expired. The scheduler normally drives this; the endpoint exists for
// manual triggering.
func (s *Server) CheckTimeouts(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.CheckTimeouts(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// ListReceipts returns the caller's receipt page, newest first.
func (s *Server) ListReceipts(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	page, err := s.receipts.List(r.Context(), claims.Subject, limit)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"receipts": page})
}

// VerifyReceipts walks the caller's full receipt chain and reports validity.
func (s *Server) VerifyReceipts(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	report, err := s.receipts.VerifyChain(r.Context(), claims.Subject)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) negotiationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid negotiation id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, negotiation.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, negotiation.ErrNotParticipant),
		errors.Is(err, negotiation.ErrDisputeNotBinding),
		errors.Is(err, negotiation.ErrOfferClosed),
		errors.Is(err, negotiation.ErrAcceptClosed),
		errors.Is(err, negotiation.ErrFinalizeNotReady),
		errors.Is(err, negotiation.ErrWithdrawTerminal),
		errors.Is(err, negotiation.ErrJoinClosed),
		errors.Is(err, negotiation.ErrEmptyTerms),
		errors.Is(err, negotiation.ErrTooFewParties):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
