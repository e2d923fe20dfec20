package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NegotiationStatus represents a state in the negotiation lifecycle.
type NegotiationStatus string

// All negotiation lifecycle states.
const (
	StatusNegotiating      NegotiationStatus = "NEGOTIATING"
	StatusConsensusReached NegotiationStatus = "CONSENSUS_REACHED"
	StatusBinding          NegotiationStatus = "BINDING"
	StatusDisputed         NegotiationStatus = "DISPUTED"
	StatusExpired          NegotiationStatus = "EXPIRED"
	StatusWithdrawn        NegotiationStatus = "WITHDRAWN"
)

// MessageType classifies entries in a negotiation transcript.
type MessageType string

// All transcript message types.
const (
	MessageOffer        MessageType = "OFFER"
	MessageCounterOffer MessageType = "COUNTER_OFFER"
	MessageAccept       MessageType = "ACCEPT"
	MessageFinalize     MessageType = "FINALIZE"
	MessageWithdraw     MessageType = "WITHDRAW"
	MessageDispute      MessageType = "DISPUTE"
	MessageJoin         MessageType = "JOIN"
)

// AppealStatus tracks the review lifecycle of a dispute appeal.
type AppealStatus string

// All appeal states.
const (
	AppealPending     AppealStatus = "PENDING"
	AppealUnderReview AppealStatus = "UNDER_REVIEW"
	AppealUpheld      AppealStatus = "UPHELD"
	AppealRejected    AppealStatus = "REJECTED"
)

// TrustEventConflict marks a trust event raised from a binding dispute.
const TrustEventConflict = "CONFLICT"

// Chain tail scopes. Each scope namespaces an independent hash chain.
const (
	ChainScopeReceipt     = "receipt"
	ChainScopeNegotiation = "negotiation"
)

// JSONMap stores an arbitrary structured payload as a JSON column. A nil map
// persists as SQL NULL.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", value)
	}
}

// StringList stores an ordered list of identifiers as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported StringList source type %T", value)
	}
}

// Contains reports whether the list holds the given identifier.
func (l StringList) Contains(id string) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Negotiation is a multi-party agreement progressing from open discussion to
// binding commitment. Terminal records are retained for audit and never
// deleted.
type Negotiation struct {
	ID                   uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	InitiatorID          string            `gorm:"size:128;index" json:"initiator_id"`
	Title                string            `gorm:"size:255" json:"title"`
	Description          string            `gorm:"type:text" json:"description"`
	ParticipantIDs       StringList        `gorm:"type:text" json:"participant_ids"`
	JoinedParticipantIDs StringList        `gorm:"type:text" json:"joined_participant_ids"`
	RequiredConsensus    int               `gorm:"not null" json:"required_consensus_count"`
	Status               NegotiationStatus `gorm:"size:32;index" json:"status"`
	CurrentTerms         JSONMap           `gorm:"type:text" json:"current_terms"`
	TermsVersion         int               `gorm:"not null" json:"terms_version"`
	NegotiationDeadline  time.Time         `gorm:"index" json:"negotiation_deadline"`
	FinalizationDays     int               `gorm:"not null" json:"finalization_days"`
	FinalizationDeadline *time.Time        `gorm:"index" json:"finalization_deadline,omitempty"`
	BindingHash          string            `gorm:"size:64" json:"binding_hash,omitempty"`
	BindingTimestamp     *time.Time        `json:"binding_timestamp,omitempty"`
	BindingTerms         JSONMap           `gorm:"type:text" json:"binding_terms,omitempty"`
	ContentHash          string            `gorm:"size:64" json:"content_hash"`
	PreviousHash         *string           `gorm:"size:64" json:"previous_hash"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`

	Messages      []NegotiationMessage `gorm:"constraint:OnDelete:CASCADE" json:"messages,omitempty"`
	Acceptances   []Acceptance         `gorm:"constraint:OnDelete:CASCADE" json:"acceptances,omitempty"`
	Finalizations []Finalization       `gorm:"constraint:OnDelete:CASCADE" json:"finalizations,omitempty"`
}

// NegotiationMessage is one immutable entry in a negotiation transcript,
// ordered by creation time.
type NegotiationMessage struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	NegotiationID uuid.UUID   `gorm:"type:uuid;index" json:"negotiation_id"`
	SenderID      string      `gorm:"size:128;index" json:"sender_id"`
	MessageType   MessageType `gorm:"size:32" json:"message_type"`
	Terms         JSONMap     `gorm:"type:text" json:"terms,omitempty"`
	TermsVersion  int         `json:"terms_version"`
	MessageText   string      `gorm:"type:text" json:"message_text,omitempty"`
	ContentHash   string      `gorm:"size:64" json:"content_hash"`
	Signature     string      `gorm:"type:text" json:"signature,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Acceptance records one participant's acceptance of a specific terms
// version. Rows are deleted when a new offer supersedes the terms they refer
// to; consensus only counts rows matching the current version.
type Acceptance struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NegotiationID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_acceptance_party" json:"negotiation_id"`
	ParticipantID string    `gorm:"size:128;uniqueIndex:idx_acceptance_party" json:"participant_id"`
	TermsVersion  int       `gorm:"not null" json:"terms_version"`
	Signature     string    `gorm:"type:text" json:"signature,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Finalization records one participant's commitment once consensus is
// reached.
type Finalization struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NegotiationID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_finalization_party" json:"negotiation_id"`
	ParticipantID string    `gorm:"size:128;uniqueIndex:idx_finalization_party" json:"participant_id"`
	Signature     string    `gorm:"type:text" json:"signature,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TrustEvent records an inter-party occurrence that affects the trust
// relationship between two identities.
type TrustEvent struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ActorID    string     `gorm:"size:128;index" json:"actor_id"`
	SubjectID  string     `gorm:"size:128;index" json:"subject_id"`
	EventType  string     `gorm:"size:32" json:"event_type"`
	TrustDelta float64    `gorm:"not null" json:"trust_delta"`
	Context    JSONMap    `gorm:"type:text" json:"context"`
	ReporterID string     `gorm:"size:128" json:"reporter_id"`
	ResolverID string     `gorm:"size:128" json:"resolver_id,omitempty"`
	AppealID   *uuid.UUID `gorm:"type:uuid" json:"appeal_id,omitempty"`
	Visibility string     `gorm:"size:32" json:"visibility"`
	Consented  bool       `json:"consented"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Appeal is the formal challenge created when a binding agreement is
// disputed.
type Appeal struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	NegotiationID  uuid.UUID    `gorm:"type:uuid;index" json:"negotiation_id"`
	TrustEventID   uuid.UUID    `gorm:"type:uuid;index" json:"trust_event_id"`
	AppellantID    string       `gorm:"size:128;index" json:"appellant_id"`
	Status         AppealStatus `gorm:"size:32;index" json:"status"`
	AppealReason   string       `gorm:"type:text" json:"appeal_reason"`
	Evidence       JSONMap      `gorm:"type:text" json:"evidence"`
	ReviewDeadline time.Time    `json:"review_deadline"`
	WitnessIDs     StringList   `gorm:"type:text" json:"witness_ids,omitempty"`
	ReviewBoardIDs StringList   `gorm:"type:text" json:"review_board_ids,omitempty"`
	Resolution     string       `gorm:"type:text" json:"resolution,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Receipt is one immutable audit record of a state-changing action. Receipts
// for a user form a singly linked hash chain ordered by creation time.
type Receipt struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID             string    `gorm:"size:128;index:idx_receipt_user_created" json:"user_id"`
	ReceiptType        string    `gorm:"size:64" json:"receipt_type"`
	Action             string    `gorm:"size:255" json:"action"`
	EntityType         string    `gorm:"size:64" json:"entity_type"`
	EntityID           string    `gorm:"size:128" json:"entity_id"`
	Context            JSONMap   `gorm:"type:text" json:"context,omitempty"`
	Explanation        string    `gorm:"type:text" json:"explanation"`
	ContentHash        string    `gorm:"size:64" json:"content_hash"`
	PreviousHash       *string   `gorm:"size:64" json:"previous_hash"`
	Signature          string    `gorm:"type:text" json:"signature,omitempty"`
	SignatureAlgorithm string    `gorm:"size:16" json:"signature_algorithm,omitempty"`
	CreatedAt          time.Time `gorm:"index:idx_receipt_user_created" json:"created_at"`
}

// ChainTail is the per-chain serialization point. Appends lock the tail row
// for update so two concurrent writers cannot link to the same predecessor.
type ChainTail struct {
	Scope     string `gorm:"size:32;primaryKey"`
	Key       string `gorm:"size:128;primaryKey"`
	LastHash  string `gorm:"size:64"`
	UpdatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Negotiation{},
		&NegotiationMessage{},
		&Acceptance{},
		&Finalization{},
		&TrustEvent{},
		&Appeal{},
		&Receipt{},
		&ChainTail{},
		&IdempotencyKey{},
	)
}
