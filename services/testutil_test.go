package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"world-arena-backend/audit"
	"world-arena-backend/database"
	"world-arena-backend/models"
)

// fakeProcessor implements TransactionVerifier with a canned answer and a call
// counter, so tests can assert the upstream is not re-invoked on idempotent
// paths.
type fakeProcessor struct {
	mu     sync.Mutex
	calls  int
	status *TransactionStatus
	err    error
}

func (f *fakeProcessor) FetchTransaction(ctx context.Context, transactionID string) (*TransactionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.status
	return &out, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, proof ProofPayload) (*VerifyResult, error) {
	return &VerifyResult{Success: true, NullifierHash: proof.NullifierHash}, nil
}

type testEnv struct {
	db         *gorm.DB
	lock       *database.AdvisoryLock
	verify     *VerifyService
	payment    *PaymentService
	tournament *TournamentService
	processor  *fakeProcessor
	app        *fiber.App
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open("", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	log := audit.NewDiscard()
	lock := database.NewAdvisoryLock(5*time.Second, 5, log)
	verify := NewVerifyService(db, lock, fakeVerifier{}, log, 7*24*time.Hour)
	processor := &fakeProcessor{}
	payment := NewPaymentService(db, lock, verify, processor, log)
	tournament := NewTournamentService(db, lock, verify, log)

	app := fiber.New()
	api := app.Group("/api")
	api.Post("/verify", verify.VerifyIdentity)
	api.Get("/session", verify.SessionInfo)
	api.Post("/wallet", verify.AttachWallet)
	api.Post("/initiate-payment", payment.InitiatePayment)
	api.Post("/confirm-payment", payment.ConfirmPayment)
	api.Get("/payment/:reference", payment.GetPaymentStatus)
	api.Get("/tournaments/:id", tournament.GetTournamentByID)
	api.Get("/tournaments/:id/leaderboard", tournament.GetLeaderboard)
	api.Post("/tournaments/:id/join", tournament.JoinTournament)
	api.Post("/tournaments/:id/score", tournament.SubmitScore)
	api.Post("/tournaments/:id/finalize", tournament.FinalizeTournament)

	return &testEnv{
		db:         db,
		lock:       lock,
		verify:     verify,
		payment:    payment,
		tournament: tournament,
		processor:  processor,
		app:        app,
	}
}

// newSession inserts a live verification and returns it. Tests authenticate by
// sending the session token in the X-Session-Token header.
func (e *testEnv) newSession(t *testing.T, userID, nullifier, wallet string) *models.IdentityVerification {
	t.Helper()
	v := &models.IdentityVerification{
		ID:            uuid.NewString(),
		NullifierHash: nullifier,
		UserID:        userID,
		SessionToken:  uuid.NewString(),
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}
	if wallet != "" {
		v.WalletAddress = &wallet
	}
	require.NoError(t, e.db.Create(v).Error)
	return v
}

// newTournament inserts an active tournament with a 1 WLD buy-in.
func (e *testEnv) newTournament(t *testing.T, id string, maxPlayers int) *models.Tournament {
	t.Helper()
	now := time.Now()
	tour := &models.Tournament{
		ID:           id,
		Name:         "Test Arena",
		BuyInToken:   "WLD",
		BuyInAmount:  "1",
		PrizePool:    "0",
		MaxPlayers:   maxPlayers,
		StartTime:    now.Add(-time.Hour),
		EndTime:      now.Add(time.Hour),
		Distribution: "50,30,20",
		Accepted:     "WLD",
	}
	require.NoError(t, e.db.Create(tour).Error)
	return tour
}

// request performs an HTTP call against the test app and decodes the JSON body.
func (e *testEnv) request(t *testing.T, method, path, sessionToken string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		req.Header.Set("X-Session-Token", sessionToken)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &parsed), "body: %s", string(raw))
	}
	return resp.StatusCode, parsed
}

// initiateBody builds a valid initiate-payment request.
func initiateBody(reference, userID, wallet, tournamentID string) map[string]interface{} {
	body := map[string]interface{}{
		"reference":      reference,
		"type":           models.PaymentTypeQuickMatch,
		"token":          "WLD",
		"amount":         1,
		"wallet_address": wallet,
		"user_id":        userID,
	}
	if tournamentID != "" {
		body["type"] = models.PaymentTypeTournament
		body["tournament_id"] = tournamentID
	}
	return body
}

// confirmBody builds a valid confirm-payment request.
func confirmBody(reference, transactionID, wallet string) map[string]interface{} {
	return map[string]interface{}{
		"reference": reference,
		"payload": map[string]interface{}{
			"status":         "success",
			"transaction_id": transactionID,
			"token":          "WLD",
			"token_amount":   "1000000000000000000",
			"wallet_address": wallet,
		},
	}
}

// minedStatus is a processor answer that confirms the payment.
func minedStatus(reference string) *TransactionStatus {
	return &TransactionStatus{
		TransactionStatus: "mined",
		Reference:         reference,
		Token:             "WLD",
		Amount:            "1000000000000000000",
		WalletAddress:     "0xwallet",
		CreatedAt:         time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	}
}

func joinBody(userID, wallet, reference string, score int64) map[string]interface{} {
	return map[string]interface{}{
		"token":            "WLD",
		"amount":           1,
		"userId":           userID,
		"username":         "player-" + userID,
		"walletAddress":    wallet,
		"score":            score,
		"paymentReference": reference,
	}
}
