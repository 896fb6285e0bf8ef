package services

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Stable machine-readable rejection codes. Every client-visible failure maps to
// exactly one of these plus a human-readable message.
const (
	CodeInvalidPayload      = "INVALID_PAYLOAD"
	CodeSessionRequired     = "SESSION_REQUIRED"
	CodeSessionInvalid      = "SESSION_INVALID"
	CodeReferenceConflict   = "REFERENCE_CONFLICT"
	CodeReferenceNotFound   = "REFERENCE_NOT_FOUND"
	CodeTransactionInvalid  = "TRANSACTION_INVALID"
	CodePaymentRejected     = "PAYMENT_REJECTED"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeWalletMismatch      = "WALLET_MISMATCH"
	CodeIdentityMismatch    = "IDENTITY_MISMATCH"
	CodeUserMismatch        = "USER_MISMATCH"
	CodeTournamentMismatch  = "TOURNAMENT_MISMATCH"
	CodeTokenNotAccepted    = "TOKEN_NOT_ACCEPTED"
	CodeAmountMismatch      = "AMOUNT_MISMATCH"
	CodePaymentNotConfirmed = "PAYMENT_NOT_CONFIRMED"
	CodeAlreadyJoined       = "ALREADY_JOINED"
	CodeTournamentFull      = "TOURNAMENT_FULL"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL"
)

// APIError is a deterministic, client-visible rejection. Domain-rule violations
// are never retried; they surface immediately with a stable code.
type APIError struct {
	Status  int      `json:"-"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

func apiError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func invalidPayload(details []string) *APIError {
	return &APIError{
		Status:  fiber.StatusBadRequest,
		Code:    CodeInvalidPayload,
		Message: "missing or malformed fields",
		Details: details,
	}
}

// respondError renders any error as the error envelope. Internal errors leak no
// detail to the client; callers log the full cause to the audit log first.
func respondError(c *fiber.Ctx, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		body := fiber.Map{
			"success": false,
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}
		if len(apiErr.Details) > 0 {
			body["details"] = apiErr.Details
		}
		return c.Status(apiErr.Status).JSON(body)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"code":    CodeInternal,
		"message": "internal error",
	})
}
