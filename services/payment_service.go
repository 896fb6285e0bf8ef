package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"world-arena-backend/audit"
	"world-arena-backend/database"
	"world-arena-backend/models"
	"world-arena-backend/tokens"
)

// Confirmation copy shown to the mini-app client.
const (
	msgConfirmed        = "Pago confirmado"
	msgAlreadyConfirmed = "Pago ya confirmado previamente"
)

// PaymentService drives the pending → confirmed | failed lifecycle. Terminal
// states never transition again; re-confirming a confirmed payment is an
// idempotent success with no side effects.
type PaymentService struct {
	DB        *gorm.DB
	Lock      *database.AdvisoryLock
	Verify    *VerifyService
	Processor TransactionVerifier
	Audit     *audit.Logger

	confirmGroup singleflight.Group
}

func NewPaymentService(db *gorm.DB, lock *database.AdvisoryLock, verify *VerifyService, processor TransactionVerifier, log *audit.Logger) *PaymentService {
	return &PaymentService{DB: db, Lock: lock, Verify: verify, Processor: processor, Audit: log}
}

// InitiatePayment creates a pending payment record, or returns the existing one
// when the client retries with the same reference. The reference is the
// idempotency boundary, but only for its original owner: a reference already
// used by a different user is a conflict, never a silent overwrite.
func (s *PaymentService) InitiatePayment(c *fiber.Ctx) error {
	verification, err := s.Verify.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	type Req struct {
		Reference     string      `json:"reference"`
		Type          string      `json:"type"`
		Token         string      `json:"token"`
		Amount        json.Number `json:"amount"`
		TournamentID  string      `json:"tournament_id"`
		WalletAddress string      `json:"wallet_address"`
		UserID        string      `json:"user_id"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidPayload([]string{"invalid JSON body"}))
	}

	var details []string
	if req.Reference == "" {
		details = append(details, "reference is required")
	}
	if req.Type != models.PaymentTypeQuickMatch && req.Type != models.PaymentTypeTournament {
		details = append(details, "type must be quick_match or tournament")
	}
	if req.Token == "" {
		details = append(details, "token is required")
	}
	if req.Amount.String() == "" {
		details = append(details, "amount is required")
	}
	if req.WalletAddress == "" {
		details = append(details, "wallet_address is required")
	}
	if req.UserID == "" {
		details = append(details, "user_id is required")
	}
	if req.Type == models.PaymentTypeTournament && req.TournamentID == "" {
		details = append(details, "tournament_id is required for tournament payments")
	}
	if len(details) > 0 {
		return respondError(c, invalidPayload(details))
	}

	if req.UserID != verification.UserID {
		return respondError(c, apiError(fiber.StatusForbidden, CodeUserMismatch, "user_id does not match session"))
	}
	if verification.WalletAddress != nil && *verification.WalletAddress != "" && *verification.WalletAddress != req.WalletAddress {
		return respondError(c, apiError(fiber.StatusForbidden, CodeWalletMismatch, "wallet does not match verified identity"))
	}

	if req.Type == models.PaymentTypeTournament {
		var tournament models.Tournament
		if err := s.DB.First(&tournament, "id = ?", req.TournamentID).Error; err != nil {
			return respondError(c, apiError(fiber.StatusNotFound, CodeNotFound, "tournament not found"))
		}
	}

	// Idempotent re-initiation: the same user retrying gets the original record.
	var existing models.PaymentRecord
	if err := s.DB.Where("reference = ?", req.Reference).First(&existing).Error; err == nil {
		if existing.UserID != verification.UserID {
			s.Audit.Warn("initiate_payment").
				Str("reference", req.Reference).
				Str("user", audit.Hash8(verification.UserID)).
				Str("owner", audit.Hash8(existing.UserID)).
				Msg("cross-user reference reuse rejected")
			return respondError(c, apiError(fiber.StatusConflict, CodeReferenceConflict, "reference already used by another user"))
		}
		return c.JSON(fiber.Map{
			"success":       true,
			"reference":     existing.Reference,
			"tournament_id": existing.TournamentID,
		})
	}

	tokenAddress, err := tokens.Normalize(req.Token)
	if err != nil {
		return respondError(c, apiError(fiber.StatusBadRequest, CodeTokenNotAccepted, "unsupported token"))
	}
	baseUnits, err := tokens.ToBaseUnits(req.Amount.String(), req.Token)
	if err != nil {
		return respondError(c, invalidPayload([]string{"amount is not a valid decimal"}))
	}

	payment := models.PaymentRecord{
		ID:            uuid.NewString(),
		UserID:        verification.UserID,
		TournamentID:  req.TournamentID,
		Reference:     req.Reference,
		TokenAddress:  tokenAddress,
		TokenAmount:   baseUnits,
		Status:        models.PaymentPending,
		Type:          req.Type,
		WalletAddress: req.WalletAddress,
		NullifierHash: verification.NullifierHash,
		SessionToken:  verification.SessionToken,
	}

	err = s.Lock.WithLock(c.Context(), func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			// Re-check under the lock: a racing initiate may have won.
			var dup models.PaymentRecord
			if err := tx.Where("reference = ?", req.Reference).First(&dup).Error; err == nil {
				if dup.UserID != verification.UserID {
					return apiError(fiber.StatusConflict, CodeReferenceConflict, "reference already used by another user")
				}
				payment = dup
				return nil
			}
			if err := tx.Create(&payment).Error; err != nil {
				return err
			}
			history := models.PaymentStatusHistory{
				ID:        uuid.NewString(),
				PaymentID: payment.ID,
				NewStatus: models.PaymentPending,
				Reason:    "payment initiated",
			}
			return tx.Create(&history).Error
		})
	})
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			s.Audit.Error("initiate_payment").Err(err).Str("reference", req.Reference).Msg("store failure")
		}
		return respondError(c, err)
	}

	s.Audit.Event("initiate_payment").
		Str("reference", payment.Reference).
		Str("type", payment.Type).
		Str("user", audit.Hash8(payment.UserID)).
		Str("amount", payment.TokenAmount).
		Msg("payment initiated")

	return c.JSON(fiber.Map{
		"success":       true,
		"reference":     payment.Reference,
		"tournament_id": payment.TournamentID,
	})
}

// ConfirmPayment reconciles a local pending payment against the processor's
// authoritative transaction status and transitions it exactly once.
func (s *PaymentService) ConfirmPayment(c *fiber.Ctx) error {
	verification, err := s.Verify.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	type Payload struct {
		Status        string `json:"status"`
		TransactionID string `json:"transaction_id"`
		Token         string `json:"token"`
		TokenAmount   string `json:"token_amount"`
		WalletAddress string `json:"wallet_address"`
	}
	type Req struct {
		Reference string  `json:"reference"`
		Payload   Payload `json:"payload"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidPayload([]string{"invalid JSON body"}))
	}

	var details []string
	if req.Reference == "" {
		details = append(details, "reference is required")
	}
	if req.Payload.TransactionID == "" {
		details = append(details, "payload.transaction_id is required")
	}
	if req.Payload.WalletAddress == "" {
		details = append(details, "payload.wallet_address is required")
	}
	if req.Payload.Token == "" {
		details = append(details, "payload.token is required")
	}
	if req.Payload.TokenAmount == "" {
		details = append(details, "payload.token_amount is required")
	}
	if len(details) > 0 {
		return respondError(c, invalidPayload(details))
	}

	var payment models.PaymentRecord
	if err := s.DB.Where("reference = ?", req.Reference).First(&payment).Error; err != nil {
		return respondError(c, apiError(fiber.StatusNotFound, CodeReferenceNotFound, "payment reference not found"))
	}

	// Ownership cross-checks: a client can only ever confirm its own payment,
	// and each mismatch has its own code.
	if payment.SessionToken != verification.SessionToken {
		s.Audit.Warn("confirm_payment").
			Str("reference", req.Reference).
			Str("session", audit.Hash8(verification.SessionToken)).
			Msg("session does not match payment")
		return respondError(c, apiError(fiber.StatusUnauthorized, CodeSessionInvalid, "session does not match payment"))
	}
	if payment.UserID != verification.UserID || payment.NullifierHash != verification.NullifierHash {
		return respondError(c, apiError(fiber.StatusForbidden, CodeIdentityMismatch, "identity does not match payment"))
	}
	if payment.WalletAddress != "" && payment.WalletAddress != req.Payload.WalletAddress {
		return respondError(c, apiError(fiber.StatusForbidden, CodeWalletMismatch, "wallet does not match payment"))
	}

	// Idempotent short-circuit: no upstream call, no side effects.
	if payment.Status == models.PaymentConfirmed {
		return c.JSON(fiber.Map{"success": true, "message": msgAlreadyConfirmed})
	}
	if payment.Status == models.PaymentFailed {
		return respondError(c, apiError(fiber.StatusBadRequest, CodePaymentRejected, "payment already failed"))
	}

	if req.Payload.Status == "error" || req.Payload.Status == "failed" {
		_, _ = s.transition(c.Context(), payment.ID, models.PaymentFailed, "client reported failed payment", "")
		return respondError(c, apiError(fiber.StatusBadRequest, CodePaymentRejected, "payment reported as failed"))
	}

	// Collapse racing confirms for the same reference into one upstream fetch
	// and one transition attempt.
	res, err, _ := s.confirmGroup.Do(req.Reference, func() (interface{}, error) {
		return s.confirm(c.Context(), &payment, req.Payload.TransactionID)
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": res.(string)})
}

// confirm fetches the authoritative status and applies the single allowed
// transition. Returns the client-facing message.
func (s *PaymentService) confirm(ctx context.Context, payment *models.PaymentRecord, transactionID string) (string, error) {
	status, err := s.Processor.FetchTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrUpstream) {
			s.Audit.Error("confirm_payment").Err(err).Str("reference", payment.Reference).Msg("processor unreachable")
			return "", apiError(fiber.StatusServiceUnavailable, CodeUpstreamError, "payment processor unavailable")
		}
		// Context cancellation: leave the payment pending, nothing persisted.
		return "", err
	}

	// A transaction created before the local payment record cannot belong to
	// it; someone is replaying an old transaction id.
	if created := status.CreatedAtTime(); !created.IsZero() && created.Before(payment.CreatedAt) {
		_, _ = s.transition(ctx, payment.ID, models.PaymentFailed, "transaction predates payment", transactionID)
		s.Audit.Warn("confirm_payment").
			Str("reference", payment.Reference).
			Time("tx_created_at", created).
			Time("payment_created_at", payment.CreatedAt).
			Msg("time-travel transaction rejected")
		return "", apiError(fiber.StatusBadRequest, CodeTransactionInvalid, "transaction predates payment")
	}

	if status.Reference != payment.Reference {
		_, _ = s.transition(ctx, payment.ID, models.PaymentFailed, "processor reference mismatch", transactionID)
		return "", apiError(fiber.StatusBadRequest, CodeTransactionInvalid, "transaction does not match reference")
	}

	if status.TransactionStatus == "failed" {
		_, _ = s.transition(ctx, payment.ID, models.PaymentFailed, "processor reported failure", transactionID)
		return "", apiError(fiber.StatusBadRequest, CodePaymentRejected, "transaction failed on chain")
	}

	applied, err := s.transition(ctx, payment.ID, models.PaymentConfirmed, "processor confirmed transaction", transactionID)
	if err != nil {
		s.Audit.Error("confirm_payment").Err(err).Str("reference", payment.Reference).Msg("transition failed")
		return "", err
	}
	if !applied {
		// Lost the race to another confirm: the payment is already terminal.
		var current models.PaymentRecord
		if err := s.DB.First(&current, "id = ?", payment.ID).Error; err == nil && current.Status == models.PaymentConfirmed {
			return msgAlreadyConfirmed, nil
		}
		return "", apiError(fiber.StatusBadRequest, CodePaymentRejected, "payment already failed")
	}

	s.Audit.Event("confirm_payment").
		Str("reference", payment.Reference).
		Str("transaction", transactionID).
		Str("user", audit.Hash8(payment.UserID)).
		Msg("payment confirmed")
	return msgConfirmed, nil
}

// transition applies pending → to under the advisory lock, appending the
// history row in the same transaction. Reports false without error when the
// payment was already terminal; this is the exactly-once guarantee under races.
func (s *PaymentService) transition(ctx context.Context, paymentID, to, reason, transactionID string) (bool, error) {
	applied := false
	err := s.Lock.WithLock(ctx, func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			var current models.PaymentRecord
			if err := tx.First(&current, "id = ?", paymentID).Error; err != nil {
				return err
			}
			if current.Terminal() {
				return nil
			}
			oldStatus := current.Status

			updates := map[string]interface{}{"status": to}
			if transactionID != "" {
				updates["transaction_id"] = transactionID
			}
			if to == models.PaymentConfirmed {
				now := time.Now()
				updates["confirmed_at"] = &now
			}
			if err := tx.Model(&current).Updates(updates).Error; err != nil {
				return err
			}

			history := models.PaymentStatusHistory{
				ID:        uuid.NewString(),
				PaymentID: current.ID,
				OldStatus: oldStatus,
				NewStatus: to,
				Reason:    reason,
			}
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
			applied = true
			return nil
		})
	})
	return applied, err
}

// GetPaymentStatus returns a payment's current state and transition history to
// its owner.
func (s *PaymentService) GetPaymentStatus(c *fiber.Ctx) error {
	verification, err := s.Verify.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	reference := c.Params("reference")
	var payment models.PaymentRecord
	if err := s.DB.Where("reference = ?", reference).First(&payment).Error; err != nil {
		return respondError(c, apiError(fiber.StatusNotFound, CodeReferenceNotFound, "payment reference not found"))
	}
	if payment.UserID != verification.UserID {
		return respondError(c, apiError(fiber.StatusForbidden, CodeUserMismatch, "payment belongs to another user"))
	}

	var history []models.PaymentStatusHistory
	s.DB.Where("payment_id = ?", payment.ID).Order("changed_at ASC").Find(&history)

	return c.JSON(fiber.Map{
		"success": true,
		"payment": payment,
		"history": history,
	})
}
