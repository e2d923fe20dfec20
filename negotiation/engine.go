package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mnemosyned/canonical"
	"mnemosyned/models"
	"mnemosyned/observability/metrics"
	"mnemosyned/receipts"
)

// Domain errors surfaced to the API boundary.
var (
	ErrNotFound          = errors.New("negotiation not found")
	ErrNotParticipant    = errors.New("not a participant")
	ErrDisputeNotBinding = errors.New("Can only dispute BINDING agreements")
	ErrOfferClosed       = errors.New("offers are only accepted while the negotiation is open")
	ErrAcceptClosed      = errors.New("acceptances are only recorded before the agreement becomes binding")
	ErrFinalizeNotReady  = errors.New("finalization requires consensus to be reached first")
	ErrWithdrawTerminal  = errors.New("can only withdraw before the agreement becomes binding")
	ErrJoinClosed        = errors.New("joining is only possible while the negotiation is open")
	ErrEmptyTerms        = errors.New("terms must not be empty")
	ErrTooFewParties     = errors.New("a negotiation requires at least 2 distinct participants")
)

const (
	defaultNegotiationDays  = 7
	defaultFinalizationDays = 3
	appealReviewPeriod      = 7 * 24 * time.Hour
	disputeTrustDelta       = -0.1
)

// Engine drives the multi-party negotiation state machine. Every mutating
// operation runs in a single transaction holding a row lock on the
// negotiation and appends a receipt before committing, so state change and
// audit record are atomic.
type Engine struct {
	db       *gorm.DB
	receipts *receipts.Chain
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(db *gorm.DB, chain *receipts.Chain, logger *slog.Logger) *Engine {
	if db == nil {
		panic("negotiation engine requires a database handle")
	}
	if chain == nil {
		panic("negotiation engine requires a receipt chain")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, receipts: chain, logger: logger, now: time.Now}
}

// CreateParams carries the inputs for a new negotiation.
type CreateParams struct {
	Initiator         string
	Title             string
	Description       string
	ParticipantIDs    []string
	InitialTerms      models.JSONMap
	NegotiationDays   int
	FinalizationDays  int
	RequiredConsensus int
}

// Create opens a new negotiation, records the initial OFFER message and links
// the record into the initiator's negotiation chain.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Negotiation, error) {
	initiator := strings.TrimSpace(p.Initiator)
	if initiator == "" {
		return nil, errors.New("initiator is required")
	}
	participants := normalizeParticipants(p.ParticipantIDs, initiator)
	if len(participants) < 2 {
		return nil, ErrTooFewParties
	}
	if len(p.InitialTerms) == 0 {
		return nil, ErrEmptyTerms
	}
	negotiationDays := p.NegotiationDays
	if negotiationDays <= 0 {
		negotiationDays = defaultNegotiationDays
	}
	finalizationDays := p.FinalizationDays
	if finalizationDays <= 0 {
		finalizationDays = defaultFinalizationDays
	}
	required := p.RequiredConsensus
	if required == 0 {
		required = len(participants)
	}
	if required < 1 || required > len(participants) {
		return nil, fmt.Errorf("required consensus count must be between 1 and %d", len(participants))
	}

	// Truncate to the microsecond precision timestamptz columns retain, so
	// the content hash recomputes identically after a reload.
	now := e.now().UTC().Truncate(time.Microsecond)
	neg := &models.Negotiation{
		ID:                   uuid.New(),
		InitiatorID:          initiator,
		Title:                strings.TrimSpace(p.Title),
		Description:          p.Description,
		ParticipantIDs:       participants,
		JoinedParticipantIDs: models.StringList{initiator},
		RequiredConsensus:    required,
		Status:               models.StatusNegotiating,
		CurrentTerms:         p.InitialTerms,
		TermsVersion:         1,
		NegotiationDeadline:  now.Add(time.Duration(negotiationDays) * 24 * time.Hour),
		FinalizationDays:     finalizationDays,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tail, err := receipts.LockTail(tx, models.ChainScopeNegotiation, initiator)
		if err != nil {
			return err
		}
		if tail.LastHash != "" {
			prev := tail.LastHash
			neg.PreviousHash = &prev
		}
		hash, err := negotiationContentHash(neg)
		if err != nil {
			return err
		}
		neg.ContentHash = hash

		if err := tx.Create(neg).Error; err != nil {
			return err
		}
		tail.LastHash = hash
		tail.UpdatedAt = now
		if err := tx.Save(tail).Error; err != nil {
			return err
		}

		if err := e.appendMessage(tx, neg, initiator, models.MessageOffer, p.InitialTerms, 1, "", ""); err != nil {
			return err
		}
		return e.appendReceipt(ctx, tx, initiator, neg, "negotiation.created",
			fmt.Sprintf("Opened negotiation %q with %d participants", neg.Title, len(participants)))
	})
	if err != nil {
		return nil, err
	}
	metrics.Service().ObserveNegotiationCreated()
	return e.Get(ctx, neg.ID)
}

// Get loads a negotiation with its transcript, acceptances and finalizations.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Negotiation, error) {
	var neg models.Negotiation
	err := e.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("created_at asc") }).
		Preload("Acceptances").
		Preload("Finalizations").
		First(&neg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &neg, nil
}

// ListForParticipant returns negotiations the given party is listed on,
// newest first. The quoted id is matched against the serialized participant
// list with LIKE wildcards escaped, so ids containing % or _ match exactly.
func (e *Engine) ListForParticipant(ctx context.Context, participantID string) ([]models.Negotiation, error) {
	var negs []models.Negotiation
	pattern := "%" + escapeLike(fmt.Sprintf("%q", participantID)) + "%"
	err := e.db.WithContext(ctx).
		Where(`participant_ids LIKE ? ESCAPE '\'`, pattern).
		Order("created_at desc").
		Find(&negs).Error
	return negs, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// SendOffer replaces the current terms with a counter-offer. Every offer
// bumps the terms version and clears all recorded acceptances: acceptance is
// always scoped to one specific terms version.
func (e *Engine) SendOffer(ctx context.Context, id uuid.UUID, senderID string, terms models.JSONMap, messageText string) (*models.Negotiation, error) {
	if len(terms) == 0 {
		return nil, ErrEmptyTerms
	}
	err := e.transact(ctx, id, func(tx *gorm.DB, neg *models.Negotiation) error {
		if neg.Status != models.StatusNegotiating {
			return ErrOfferClosed
		}
		if !neg.ParticipantIDs.Contains(senderID) {
			return ErrNotParticipant
		}

		neg.TermsVersion++
		neg.CurrentTerms = terms
		neg.UpdatedAt = e.now().UTC()
		if err := tx.Save(neg).Error; err != nil {
			return err
		}
		if err := tx.Where("negotiation_id = ?", neg.ID).Delete(&models.Acceptance{}).Error; err != nil {
			return err
		}
		if err := e.appendMessage(tx, neg, senderID, models.MessageCounterOffer, terms, neg.TermsVersion, messageText, ""); err != nil {
			return err
		}
		return e.appendReceipt(ctx, tx, senderID, neg, "negotiation.offer",
			fmt.Sprintf("Proposed terms version %d", neg.TermsVersion))
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// Accept records a participant's acceptance of the current terms version.
// Re-accepting is idempotent. When acceptances for the current version reach
// the required consensus count, the negotiation transitions to
// CONSENSUS_REACHED and the finalization window opens.
func (e *Engine) Accept(ctx context.Context, id uuid.UUID, participantID, signature, messageText string) (*models.Negotiation, error) {
	err := e.transact(ctx, id, func(tx *gorm.DB, neg *models.Negotiation) error {
		if neg.Status != models.StatusNegotiating && neg.Status != models.StatusConsensusReached {
			return ErrAcceptClosed
		}
		if !neg.ParticipantIDs.Contains(participantID) {
			return ErrNotParticipant
		}

		now := e.now().UTC()
		var existing models.Acceptance
		err := tx.First(&existing, "negotiation_id = ? AND participant_id = ?", neg.ID, participantID).Error
		switch {
		case err == nil:
			if existing.TermsVersion == neg.TermsVersion {
				// Already accepted the current terms. Nothing to re-count,
				// but the repeated request is still receipted.
				return e.appendReceipt(ctx, tx, participantID, neg, "negotiation.accept",
					fmt.Sprintf("Acceptance of terms version %d already recorded", neg.TermsVersion))
			}
			existing.TermsVersion = neg.TermsVersion
			existing.Signature = signature
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			acceptance := models.Acceptance{
				ID:            uuid.New(),
				NegotiationID: neg.ID,
				ParticipantID: participantID,
				TermsVersion:  neg.TermsVersion,
				Signature:     signature,
				CreatedAt:     now,
			}
			if err := tx.Create(&acceptance).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if err := e.appendMessage(tx, neg, participantID, models.MessageAccept, nil, neg.TermsVersion, messageText, signature); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Acceptance{}).
			Where("negotiation_id = ? AND terms_version = ?", neg.ID, neg.TermsVersion).
			Count(&count).Error; err != nil {
			return err
		}
		if neg.Status == models.StatusNegotiating && count >= int64(neg.RequiredConsensus) {
			if err := ValidateTransition(neg.Status, models.StatusConsensusReached); err != nil {
				return err
			}
			neg.Status = models.StatusConsensusReached
			deadline := now.Add(time.Duration(neg.FinalizationDays) * 24 * time.Hour)
			neg.FinalizationDeadline = &deadline
			neg.UpdatedAt = now
			if err := tx.Save(neg).Error; err != nil {
				return err
			}
			metrics.Service().ObserveTransition(string(models.StatusConsensusReached))
		}
		return e.appendReceipt(ctx, tx, participantID, neg, "negotiation.accept",
			fmt.Sprintf("Accepted terms version %d", neg.TermsVersion))
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// Finalize records a participant's commitment to the agreed terms. When the
// required number of participants have finalized, the binding snapshot is
// computed once and the negotiation becomes BINDING. The binding fields are
// never written again.
func (e *Engine) Finalize(ctx context.Context, id uuid.UUID, participantID, signature string) (*models.Negotiation, error) {
	err := e.transact(ctx, id, func(tx *gorm.DB, neg *models.Negotiation) error {
		if neg.Status != models.StatusConsensusReached {
			return ErrFinalizeNotReady
		}
		if !neg.ParticipantIDs.Contains(participantID) {
			return ErrNotParticipant
		}

		now := e.now().UTC()
		var existing models.Finalization
		err := tx.First(&existing, "negotiation_id = ? AND participant_id = ?", neg.ID, participantID).Error
		switch {
		case err == nil:
			// Already finalized; idempotent.
		case errors.Is(err, gorm.ErrRecordNotFound):
			finalization := models.Finalization{
				ID:            uuid.New(),
				NegotiationID: neg.ID,
				ParticipantID: participantID,
				Signature:     signature,
				CreatedAt:     now,
			}
			if err := tx.Create(&finalization).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if err := e.appendMessage(tx, neg, participantID, models.MessageFinalize, nil, neg.TermsVersion, "", signature); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.Finalization{}).
			Where("negotiation_id = ?", neg.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(neg.RequiredConsensus) {
			if err := ValidateTransition(neg.Status, models.StatusBinding); err != nil {
				return err
			}
			bindingHash, err := canonical.DigestValue(map[string]any{
				"negotiation_id": neg.ID.String(),
				"terms":          neg.CurrentTerms,
				"terms_version":  neg.TermsVersion,
			})
			if err != nil {
				return err
			}
			neg.Status = models.StatusBinding
			neg.BindingHash = bindingHash
			neg.BindingTerms = neg.CurrentTerms
			neg.BindingTimestamp = &now
			neg.UpdatedAt = now
			if err := tx.Save(neg).Error; err != nil {
				return err
			}
			metrics.Service().ObserveTransition(string(models.StatusBinding))
		}
		return e.appendReceipt(ctx, tx, participantID, neg, "negotiation.finalize",
			"Finalized commitment to agreed terms")
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// Withdraw unilaterally ends the negotiation before it becomes binding.
// Consent can be revoked until commitment is final.
func (e *Engine) Withdraw(ctx context.Context, id uuid.UUID, participantID, reason string) (*models.Negotiation, error) {
	err := e.transact(ctx, id, func(tx *gorm.DB, neg *models.Negotiation) error {
		if neg.Status != models.StatusNegotiating && neg.Status != models.StatusConsensusReached {
			return ErrWithdrawTerminal
		}
		if !neg.ParticipantIDs.Contains(participantID) {
			return ErrNotParticipant
		}
		if err := ValidateTransition(neg.Status, models.StatusWithdrawn); err != nil {
			return err
		}
		neg.Status = models.StatusWithdrawn
		neg.UpdatedAt = e.now().UTC()
		if err := tx.Save(neg).Error; err != nil {
			return err
		}
		if err := e.appendMessage(tx, neg, participantID, models.MessageWithdraw, nil, neg.TermsVersion, reason, ""); err != nil {
			return err
		}
		metrics.Service().ObserveTransition(string(models.StatusWithdrawn))
		return e.appendReceipt(ctx, tx, participantID, neg, "negotiation.withdraw",
			"Withdrew from negotiation")
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// Join marks a listed participant as having actively joined. Idempotent.
func (e *Engine) Join(ctx context.Context, id uuid.UUID, participantID string) (*models.Negotiation, error) {
	err := e.transact(ctx, id, func(tx *gorm.DB, neg *models.Negotiation) error {
		if neg.Status != models.StatusNegotiating {
			return ErrJoinClosed
		}
		if !neg.ParticipantIDs.Contains(participantID) {
			return ErrNotParticipant
		}
		if neg.JoinedParticipantIDs.Contains(participantID) {
			// Already joined; the repeated request is still receipted.
			return e.appendReceipt(ctx, tx, participantID, neg, "negotiation.join",
				"Join already recorded")
		}
		neg.JoinedParticipantIDs = append(neg.JoinedParticipantIDs, participantID)
		neg.UpdatedAt = e.now().UTC()
		if err := tx.Save(neg).Error; err != nil {
			return err
		}
		if err := e.appendMessage(tx, neg, participantID, models.MessageJoin, nil, neg.TermsVersion, "", ""); err != nil {
			return err
		}
		return e.appendReceipt(ctx, tx, participantID, neg, "negotiation.join",
			"Joined negotiation")
	})
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

// Dispute challenges a binding agreement. It transitions the negotiation to
// DISPUTED, emits one CONFLICT trust event per counterparty (the first one is
// referenced by the appeal) and opens a PENDING appeal with a 7 day review
// deadline. Binding fields are left untouched.
func (e *Engine) Dispute(ctx context.Context, id uuid.UUID, disputantID, reason string) (*models.Negotiation, *models.Appeal, error) {
	var appeal *models.Appeal
	err := e.transact(ctx, id, func(tx *gorm.DB, neg *models.Negotiation) error {
		if neg.Status != models.StatusBinding {
			return ErrDisputeNotBinding
		}
		if !neg.ParticipantIDs.Contains(disputantID) {
			return ErrNotParticipant
		}
		if err := ValidateTransition(neg.Status, models.StatusDisputed); err != nil {
			return err
		}

		now := e.now().UTC()
		neg.Status = models.StatusDisputed
		neg.UpdatedAt = now
		if err := tx.Save(neg).Error; err != nil {
			return err
		}

		eventContext := models.JSONMap{
			"negotiation_id": neg.ID.String(),
			"binding_hash":   neg.BindingHash,
			"reason":         reason,
		}
		events := make([]models.TrustEvent, 0, len(neg.ParticipantIDs)-1)
		for _, party := range neg.ParticipantIDs {
			if party == disputantID {
				continue
			}
			events = append(events, models.TrustEvent{
				ID:         uuid.New(),
				ActorID:    disputantID,
				SubjectID:  party,
				EventType:  models.TrustEventConflict,
				TrustDelta: disputeTrustDelta,
				Context:    eventContext,
				ReporterID: disputantID,
				Visibility: "participants",
				CreatedAt:  now,
			})
		}
		if err := tx.Create(&events).Error; err != nil {
			return err
		}
		eventIDs := make([]uuid.UUID, len(events))
		for i := range events {
			eventIDs[i] = events[i].ID
		}

		appeal = &models.Appeal{
			ID:            uuid.New(),
			NegotiationID: neg.ID,
			TrustEventID:  events[0].ID,
			AppellantID:   disputantID,
			Status:        models.AppealPending,
			AppealReason:  reason,
			Evidence: models.JSONMap{
				"negotiation_id": neg.ID.String(),
				"binding_hash":   neg.BindingHash,
				"disputed_at":    now.Format(time.RFC3339Nano),
			},
			ReviewDeadline: now.Add(appealReviewPeriod),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(appeal).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.TrustEvent{}).
			Where("id IN ?", eventIDs).
			Update("appeal_id", appeal.ID).Error; err != nil {
			return err
		}

		if err := e.appendMessage(tx, neg, disputantID, models.MessageDispute, nil, neg.TermsVersion, reason, ""); err != nil {
			return err
		}
		metrics.Service().ObserveTransition(string(models.StatusDisputed))
		return e.appendReceipt(ctx, tx, disputantID, neg, "negotiation.dispute",
			"Disputed binding agreement")
	})
	if err != nil {
		return nil, nil, err
	}
	neg, err := e.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return neg, appeal, nil
}

// TimeoutReport lists negotiations expired by a sweep.
type TimeoutReport struct {
	NegotiationTimeouts  []uuid.UUID `json:"negotiation_timeouts"`
	FinalizationTimeouts []uuid.UUID `json:"finalization_timeouts"`
	TotalExpired         int         `json:"total_expired"`
}

// CheckTimeouts expires negotiations whose deadline passed while still open
// and consensus agreements whose finalization window closed. It is invoked by
// the scheduler, never by participant action.
func (e *Engine) CheckTimeouts(ctx context.Context) (*TimeoutReport, error) {
	now := e.now().UTC()
	report := &TimeoutReport{
		NegotiationTimeouts:  []uuid.UUID{},
		FinalizationTimeouts: []uuid.UUID{},
	}

	var overdue []models.Negotiation
	if err := e.db.WithContext(ctx).
		Where("status = ? AND negotiation_deadline < ?", models.StatusNegotiating, now).
		Find(&overdue).Error; err != nil {
		return nil, err
	}
	for i := range overdue {
		if err := e.expire(ctx, overdue[i].ID, models.StatusNegotiating); err != nil {
			e.logger.Error("timeout sweep failed to expire negotiation", "negotiation_id", overdue[i].ID, "error", err)
			continue
		}
		report.NegotiationTimeouts = append(report.NegotiationTimeouts, overdue[i].ID)
	}

	var stalled []models.Negotiation
	if err := e.db.WithContext(ctx).
		Where("status = ? AND finalization_deadline < ?", models.StatusConsensusReached, now).
		Find(&stalled).Error; err != nil {
		return nil, err
	}
	for i := range stalled {
		if err := e.expire(ctx, stalled[i].ID, models.StatusConsensusReached); err != nil {
			e.logger.Error("timeout sweep failed to expire finalization", "negotiation_id", stalled[i].ID, "error", err)
			continue
		}
		report.FinalizationTimeouts = append(report.FinalizationTimeouts, stalled[i].ID)
	}

	report.TotalExpired = len(report.NegotiationTimeouts) + len(report.FinalizationTimeouts)
	return report, nil
}

// expire transitions one negotiation to EXPIRED if it is still in the state
// the sweep observed.
func (e *Engine) expire(ctx context.Context, id uuid.UUID, observed models.NegotiationStatus) error {
	return e.transact(ctx, id, func(tx *gorm.DB, neg *models.Negotiation) error {
		if neg.Status != observed {
			// Lost the race against a participant action; nothing to do.
			return nil
		}
		if err := ValidateTransition(neg.Status, models.StatusExpired); err != nil {
			return err
		}
		neg.Status = models.StatusExpired
		neg.UpdatedAt = e.now().UTC()
		if err := tx.Save(neg).Error; err != nil {
			return err
		}
		metrics.Service().ObserveTransition(string(models.StatusExpired))
		return e.appendReceipt(ctx, tx, neg.InitiatorID, neg, "negotiation.expired",
			"Negotiation expired by deadline sweep")
	})
}

// transact runs fn with a row lock on the negotiation inside one transaction.
func (e *Engine) transact(ctx context.Context, id uuid.UUID, fn func(tx *gorm.DB, neg *models.Negotiation) error) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var neg models.Negotiation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&neg, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fn(tx, &neg)
	})
}

func (e *Engine) appendMessage(tx *gorm.DB, neg *models.Negotiation, senderID string, messageType models.MessageType, terms models.JSONMap, termsVersion int, messageText, signature string) error {
	now := e.now().UTC().Truncate(time.Microsecond)
	msg := &models.NegotiationMessage{
		ID:            uuid.New(),
		NegotiationID: neg.ID,
		SenderID:      senderID,
		MessageType:   messageType,
		Terms:         terms,
		TermsVersion:  termsVersion,
		MessageText:   messageText,
		Signature:     signature,
		CreatedAt:     now,
	}
	hash, err := canonical.DigestValue(map[string]any{
		"negotiation_id": msg.NegotiationID.String(),
		"sender_id":      msg.SenderID,
		"message_type":   string(msg.MessageType),
		"terms":          msg.Terms,
		"terms_version":  msg.TermsVersion,
		"message_text":   msg.MessageText,
		"timestamp":      now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	msg.ContentHash = hash
	return tx.Create(msg).Error
}

func (e *Engine) appendReceipt(ctx context.Context, tx *gorm.DB, userID string, neg *models.Negotiation, action, explanation string) error {
	_, err := e.receipts.AppendTx(ctx, tx, receipts.Input{
		UserID:      userID,
		ReceiptType: "negotiation",
		Action:      action,
		EntityType:  "negotiation",
		EntityID:    neg.ID.String(),
		Context: models.JSONMap{
			"status":        string(neg.Status),
			"terms_version": neg.TermsVersion,
		},
		Explanation: explanation,
	})
	return err
}

func negotiationContentHash(neg *models.Negotiation) (string, error) {
	return canonical.DigestValue(map[string]any{
		"id":            neg.ID.String(),
		"initiator_id":  neg.InitiatorID,
		"title":         neg.Title,
		"participants":  []string(neg.ParticipantIDs),
		"terms":         neg.CurrentTerms,
		"terms_version": neg.TermsVersion,
		"created_at":    neg.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": derefOrEmpty(neg.PreviousHash),
	})
}

func normalizeParticipants(ids []string, initiator string) models.StringList {
	seen := make(map[string]struct{}, len(ids)+1)
	out := make(models.StringList, 0, len(ids)+1)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(initiator)
	for _, id := range ids {
		add(id)
	}
	return out
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
