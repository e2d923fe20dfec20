package receipts

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
	"mnemosyned/crypto"
	"mnemosyned/models"
	"mnemosyned/observability/metrics"
)

const signatureAlgorithm = "ed25519"

// Input describes the receipt to append for one state-changing action.
type Input struct {
	UserID      string
	ReceiptType string
	Action      string
	EntityType  string
	EntityID    string
	Context     models.JSONMap
	Explanation string
}

// Chain is the append-only, per-user, tamper-evident audit log. Appends for
// one user are linearized through a locked chain-tail row so two concurrent
// writers can never link to the same predecessor.
type Chain struct {
	db     *gorm.DB
	signer *crypto.Service
	logger *slog.Logger
	now    func() time.Time
}

// NewChain constructs a Chain. The signer is optional; without it receipts
// are unsigned.
func NewChain(db *gorm.DB, signer *crypto.Service, logger *slog.Logger) *Chain {
	if db == nil {
		panic("receipt chain requires a database handle")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{db: db, signer: signer, logger: logger, now: time.Now}
}

// Append creates a receipt in its own transaction.
func (c *Chain) Append(ctx context.Context, in Input) (*models.Receipt, error) {
	var receipt *models.Receipt
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		receipt, err = c.AppendTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// AppendTx creates a receipt inside the caller's transaction so that a
// business mutation and its receipt commit or roll back together. The chain
// tail row for the user is locked for the duration of the transaction.
func (c *Chain) AppendTx(ctx context.Context, tx *gorm.DB, in Input) (*models.Receipt, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, errors.New("receipt user id is required")
	}

	tail, err := lockTail(tx, models.ChainScopeReceipt, userID)
	if err != nil {
		return nil, err
	}

	// postgres timestamptz columns hold microsecond precision; hashing a
	// finer-grained timestamp would break Verify after the round trip.
	now := c.now().UTC().Truncate(time.Microsecond)
	receipt := &models.Receipt{
		ID:          uuid.New(),
		UserID:      userID,
		ReceiptType: in.ReceiptType,
		Action:      in.Action,
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Context:     in.Context,
		Explanation: in.Explanation,
		CreatedAt:   now,
	}
	if tail.LastHash != "" {
		prev := tail.LastHash
		receipt.PreviousHash = &prev
	}

	hash, err := contentHash(receipt)
	if err != nil {
		return nil, fmt.Errorf("hash receipt: %w", err)
	}
	receipt.ContentHash = hash

	if c.signer != nil {
		sig, err := c.signer.SignAsSystem([]byte(hash))
		if err == nil {
			receipt.Signature = sig
			receipt.SignatureAlgorithm = signatureAlgorithm
		} else if !errors.Is(err, crypto.ErrNoSystemKey) {
			return nil, fmt.Errorf("sign receipt: %w", err)
		}
	}

	if err := tx.Create(receipt).Error; err != nil {
		return nil, err
	}

	tail.LastHash = hash
	tail.UpdatedAt = now
	if err := tx.Save(tail).Error; err != nil {
		return nil, err
	}

	WitnessFromContext(ctx).Mark()
	metrics.Service().ObserveReceiptAppended()
	return receipt, nil
}

// Verify recomputes the receipt's content hash from its stored fields and
// compares it against the stored value.
func (c *Chain) Verify(receipt *models.Receipt) bool {
	if receipt == nil {
		return false
	}
	hash, err := contentHash(receipt)
	if err != nil {
		c.logger.Warn("receipt hash recomputation failed", "receipt_id", receipt.ID, "error", err)
		return false
	}
	return hash == receipt.ContentHash
}

// ChainBreak records one broken hash link discovered during verification.
type ChainBreak struct {
	ReceiptID    uuid.UUID `json:"receipt_id"`
	ExpectedHash string    `json:"expected_hash"`
	ActualHash   string    `json:"actual_hash"`
}

// Report summarizes a full chain verification.
type Report struct {
	Valid            bool         `json:"valid"`
	TotalReceipts    int          `json:"total_receipts"`
	VerifiedReceipts int          `json:"verified_receipts"`
	InvalidReceipts  []uuid.UUID  `json:"invalid_receipts"`
	ChainBreaks      []ChainBreak `json:"chain_breaks"`
}

// VerifyChain walks a user's receipts oldest to newest, verifying each
// receipt's own hash and every predecessor link.
func (c *Chain) VerifyChain(ctx context.Context, userID string) (*Report, error) {
	var chain []models.Receipt
	if err := c.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&chain).Error; err != nil {
		return nil, err
	}

	report := &Report{
		TotalReceipts:   len(chain),
		InvalidReceipts: []uuid.UUID{},
		ChainBreaks:     []ChainBreak{},
	}
	for i := range chain {
		receipt := &chain[i]
		if c.Verify(receipt) {
			report.VerifiedReceipts++
		} else {
			report.InvalidReceipts = append(report.InvalidReceipts, receipt.ID)
		}
		if i == 0 {
			if receipt.PreviousHash != nil {
				report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
					ReceiptID:  receipt.ID,
					ActualHash: *receipt.PreviousHash,
				})
				metrics.Service().ObserveChainBreak()
			}
			continue
		}
		expected := chain[i-1].ContentHash
		actual := ""
		if receipt.PreviousHash != nil {
			actual = *receipt.PreviousHash
		}
		if actual != expected {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				ReceiptID:    receipt.ID,
				ExpectedHash: expected,
				ActualHash:   actual,
			})
			metrics.Service().ObserveChainBreak()
		}
	}
	report.Valid = len(report.InvalidReceipts) == 0 && len(report.ChainBreaks) == 0
	return report, nil
}

// List returns the user's receipts newest first, capped at limit.
func (c *Chain) List(ctx context.Context, userID string, limit int) ([]models.Receipt, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var receipts []models.Receipt
	err := c.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&receipts).Error
	return receipts, err
}

// Checkpoint verifies every user's chain end to end. The scheduler runs this
// periodically so tampering surfaces in logs and metrics without waiting for
// a user-initiated verify.
func (c *Chain) Checkpoint(ctx context.Context) error {
	var userIDs []string
	if err := c.db.WithContext(ctx).
		Model(&models.Receipt{}).
		Distinct("user_id").
		Pluck("user_id", &userIDs).Error; err != nil {
		return err
	}

	var failed int
	for _, userID := range userIDs {
		report, err := c.VerifyChain(ctx, userID)
		if err != nil {
			return fmt.Errorf("checkpoint verify for %s: %w", userID, err)
		}
		if !report.Valid {
			failed++
			c.logger.Error("receipt chain checkpoint found damage",
				"user_id", userID,
				"invalid_receipts", len(report.InvalidReceipts),
				"chain_breaks", len(report.ChainBreaks))
		}
	}
	c.logger.Info("receipt chain checkpoint complete", "users", len(userIDs), "damaged", failed)
	return nil
}

// contentHash computes the canonical sha256 digest over the receipt's own
// fields. The previous hash is deliberately excluded: linkage is checked
// separately so a broken link is distinguishable from a tampered record.
func contentHash(r *models.Receipt) (string, error) {
	payload := map[string]any{
		"type":        r.ReceiptType,
		"action":      r.Action,
		"entity_type": r.EntityType,
		"entity_id":   r.EntityID,
		"context":     r.Context,
		"explanation": r.Explanation,
		"timestamp":   r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"user_id":     r.UserID,
	}
	return canonical.DigestValue(payload)
}

// lockTail loads the chain tail row for (scope, key) under a row lock,
// creating it first when absent.
func lockTail(tx *gorm.DB, scope, key string) (*models.ChainTail, error) {
	tail := &models.ChainTail{}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(tail, "scope = ? AND key = ?", scope, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seed := &models.ChainTail{Scope: scope, Key: key}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return nil, err
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(tail, "scope = ? AND key = ?", scope, key).Error
	}
	if err != nil {
		return nil, err
	}
	return tail, nil
}

// LockTail exposes the tail serialization point to sibling packages that
// maintain their own chains.
func LockTail(tx *gorm.DB, scope, key string) (*models.ChainTail, error) {
	return lockTail(tx, scope, key)
}
