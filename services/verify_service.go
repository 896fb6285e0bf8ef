package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"world-arena-backend/audit"
	"world-arena-backend/database"
	"world-arena-backend/models"
)

// sessionCookie is where the client keeps its session token. The X-Session-Token
// header is accepted as a fallback for clients that cannot send cookies.
const sessionCookie = "session_token"

// ProofPayload is the opaque identity proof forwarded to the external verifier.
type ProofPayload struct {
	Proof             string `json:"proof"`
	MerkleRoot        string `json:"merkle_root"`
	NullifierHash     string `json:"nullifier_hash"`
	VerificationLevel string `json:"verification_level"`
	Action            string `json:"action"`
}

// VerifyResult is the verifier's accept/reject answer plus the user-scoped
// nullifier that enforces one identity per person.
type VerifyResult struct {
	Success       bool   `json:"success"`
	NullifierHash string `json:"nullifier_hash"`
	Detail        string `json:"detail,omitempty"`
}

// IdentityVerifier is the boundary to the proof-of-personhood service. The
// cryptography behind it is out of scope here.
type IdentityVerifier interface {
	Verify(ctx context.Context, proof ProofPayload) (*VerifyResult, error)
}

// WorldIDVerifier verifies proofs against the developer portal verify endpoint.
type WorldIDVerifier struct {
	BaseURL string
	AppID   string
	Client  *http.Client
}

func NewWorldIDVerifier(baseURL, appID string) *WorldIDVerifier {
	return &WorldIDVerifier{
		BaseURL: baseURL,
		AppID:   appID,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

const verifierAttempts = 3

// Verify posts the proof to the verifier with bounded retries on transport
// failure. An accept or reject answer is final and never retried.
func (v *WorldIDVerifier) Verify(ctx context.Context, proof ProofPayload) (*VerifyResult, error) {
	var lastErr error
	for attempt := 1; attempt <= verifierAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 500 * time.Millisecond):
			}
		}
		result, err := v.verifyOnce(ctx, proof)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

func (v *WorldIDVerifier) verifyOnce(ctx context.Context, proof ProofPayload) (*VerifyResult, error) {
	url := fmt.Sprintf("%s/verify/%s", v.BaseURL, v.AppID)

	jsonData, _ := json.Marshal(proof)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK {
		return &VerifyResult{Success: true, NullifierHash: proof.NullifierHash}, nil
	}
	if resp.StatusCode == http.StatusBadRequest {
		// Verifier rejected the proof itself, not an upstream failure.
		return &VerifyResult{Success: false, Detail: string(body)}, nil
	}
	return nil, fmt.Errorf("%w: verifier returned %d: %s", ErrUpstream, resp.StatusCode, string(body))
}

// VerifyService owns identity verification records and session resolution.
type VerifyService struct {
	DB       *gorm.DB
	Lock     *database.AdvisoryLock
	Verifier IdentityVerifier
	Audit    *audit.Logger
	TTL      time.Duration
}

func NewVerifyService(db *gorm.DB, lock *database.AdvisoryLock, verifier IdentityVerifier, log *audit.Logger, ttl time.Duration) *VerifyService {
	return &VerifyService{DB: db, Lock: lock, Verifier: verifier, Audit: log, TTL: ttl}
}

// VerifyIdentity checks the proof with the external verifier and issues a
// session. A nullifier that already has a live verification gets its existing
// record back with a fresh session token, never a second record.
func (s *VerifyService) VerifyIdentity(c *fiber.Ctx) error {
	type Req struct {
		ProofPayload
		UserID string `json:"user_id"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidPayload([]string{"invalid JSON body"}))
	}

	var details []string
	if req.Proof == "" {
		details = append(details, "proof is required")
	}
	if req.NullifierHash == "" {
		details = append(details, "nullifier_hash is required")
	}
	if req.MerkleRoot == "" {
		details = append(details, "merkle_root is required")
	}
	if len(details) > 0 {
		return respondError(c, invalidPayload(details))
	}

	result, err := s.Verifier.Verify(c.Context(), req.ProofPayload)
	if err != nil {
		s.Audit.Error("verify_identity").Err(err).Msg("verifier unreachable")
		return respondError(c, apiError(fiber.StatusServiceUnavailable, CodeUpstreamError, "identity verifier unavailable"))
	}
	if !result.Success {
		s.Audit.Warn("verify_identity").
			Str("nullifier", audit.Hash8(req.NullifierHash)).
			Str("detail", result.Detail).
			Msg("proof rejected")
		return respondError(c, apiError(fiber.StatusBadRequest, CodeInvalidPayload, "identity proof rejected"))
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.NewString()
	}

	now := time.Now()
	verification := models.IdentityVerification{
		ID:            uuid.NewString(),
		NullifierHash: req.NullifierHash,
		UserID:        userID,
		SessionToken:  uuid.NewString(),
		ExpiresAt:     now.Add(s.TTL),
	}

	err = s.Lock.WithLock(c.Context(), func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			// Purge anything expired first so the uniqueness invariant only ever
			// sees live rows.
			if err := tx.Where("expires_at <= ?", now).Delete(&models.IdentityVerification{}).Error; err != nil {
				return err
			}
			var existing models.IdentityVerification
			err := tx.Where("nullifier_hash = ?", req.NullifierHash).First(&existing).Error
			if err == nil {
				// Same person re-verifying: rotate the session, keep the record.
				updates := map[string]interface{}{
					"session_token": verification.SessionToken,
					"expires_at":    verification.ExpiresAt,
				}
				if err := tx.Model(&existing).Updates(updates).Error; err != nil {
					return err
				}
				verification = existing
				verification.SessionToken = updates["session_token"].(string)
				verification.ExpiresAt = updates["expires_at"].(time.Time)
				return nil
			}
			if err != gorm.ErrRecordNotFound {
				return err
			}
			return tx.Create(&verification).Error
		})
	})
	if err != nil {
		s.Audit.Error("verify_identity").Err(err).Msg("failed to persist verification")
		return respondError(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     sessionCookie,
		Value:    verification.SessionToken,
		Expires:  verification.ExpiresAt,
		HTTPOnly: true,
		SameSite: "Lax",
	})

	s.Audit.Event("verify_identity").
		Str("user", audit.Hash8(verification.UserID)).
		Str("nullifier", audit.Hash8(verification.NullifierHash)).
		Msg("identity verified")

	return c.JSON(fiber.Map{
		"success":    true,
		"user_id":    verification.UserID,
		"expires_at": verification.ExpiresAt,
	})
}

// RequireActiveSession resolves the request's session token to a live
// verification record. Both failure paths emit audit events with hashed
// context only.
func (s *VerifyService) RequireActiveSession(c *fiber.Ctx) (*models.IdentityVerification, error) {
	token := c.Cookies(sessionCookie)
	if token == "" {
		token = c.Get("X-Session-Token")
	}
	if token == "" {
		s.Audit.Warn("session_guard").
			Str("path", c.Path()).
			Msg("no session token presented")
		return nil, apiError(fiber.StatusUnauthorized, CodeSessionRequired, "session required")
	}

	// Lazy purge on the read path keeps the table free of expired rows.
	s.PurgeExpired()

	var verification models.IdentityVerification
	err := s.DB.Where("session_token = ?", token).First(&verification).Error
	if err != nil || verification.Expired(time.Now()) {
		s.Audit.Warn("session_guard").
			Str("path", c.Path()).
			Str("session", audit.Hash8(token)).
			Msg("session not found or expired")
		return nil, apiError(fiber.StatusUnauthorized, CodeSessionInvalid, "session invalid or expired")
	}
	return &verification, nil
}

// PurgeExpired removes verifications past their TTL. Also run periodically by
// the maintenance scheduler.
func (s *VerifyService) PurgeExpired() {
	if err := s.DB.Where("expires_at <= ?", time.Now()).Delete(&models.IdentityVerification{}).Error; err != nil {
		s.Audit.Error("purge_sessions").Err(err).Msg("failed to purge expired verifications")
	}
}

// SessionInfo returns the caller's identity for the client UI.
func (s *VerifyService) SessionInfo(c *fiber.Ctx) error {
	verification, err := s.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":        true,
		"user_id":        verification.UserID,
		"wallet_address": verification.WalletAddress,
		"expires_at":     verification.ExpiresAt,
	})
}

// AttachWallet binds a wallet address to the verified identity. The record is
// otherwise immutable; the wallet can be set once.
func (s *VerifyService) AttachWallet(c *fiber.Ctx) error {
	verification, err := s.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	type Req struct {
		WalletAddress string `json:"wallet_address"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil || req.WalletAddress == "" {
		return respondError(c, invalidPayload([]string{"wallet_address is required"}))
	}
	if verification.WalletAddress != nil && *verification.WalletAddress != "" {
		return respondError(c, apiError(fiber.StatusConflict, CodeWalletMismatch, "wallet already attached"))
	}

	err = s.Lock.WithLock(c.Context(), func() error {
		return s.DB.Model(&models.IdentityVerification{}).
			Where("id = ?", verification.ID).
			Update("wallet_address", req.WalletAddress).Error
	})
	if err != nil {
		s.Audit.Error("attach_wallet").Err(err).Msg("failed to attach wallet")
		return respondError(c, err)
	}

	s.Audit.Event("attach_wallet").
		Str("user", audit.Hash8(verification.UserID)).
		Str("wallet", audit.Hash8(req.WalletAddress)).
		Msg("wallet attached")

	return c.JSON(fiber.Map{"success": true})
}
