package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"world-arena-backend/audit"
	"world-arena-backend/database"
	"world-arena-backend/models"
	"world-arena-backend/services"
)

type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, proof services.ProofPayload) (*services.VerifyResult, error) {
	return &services.VerifyResult{Success: true, NullifierHash: proof.NullifierHash}, nil
}

type stubProcessor struct {
	calls  int
	status *services.TransactionStatus
}

func (p *stubProcessor) FetchTransaction(ctx context.Context, transactionID string) (*services.TransactionStatus, error) {
	p.calls++
	out := *p.status
	return &out, nil
}

func newTestApp(t *testing.T) (*fiber.App, *stubProcessor) {
	t.Helper()

	db, err := database.Open("", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	log := audit.NewDiscard()
	lock := database.NewAdvisoryLock(5*time.Second, 5, log)
	verify := services.NewVerifyService(db, lock, stubVerifier{}, log, 7*24*time.Hour)
	processor := &stubProcessor{}
	payment := services.NewPaymentService(db, lock, verify, processor, log)
	tournament := services.NewTournamentService(db, lock, verify, log)
	require.NoError(t, tournament.SeedDefaultTournaments())

	app := fiber.New()
	SetupVerifyRoutes(app, verify)
	SetupPaymentRoutes(app, payment)
	SetupTournamentRoutes(app, tournament)
	return app, processor
}

func call(t *testing.T, app *fiber.App, method, path, cookie string, body interface{}) (*http.Response, map[string]interface{}) {
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
	if cookie != "" {
		req.Header.Set("Cookie", "session_token="+cookie)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &parsed), "body: %s", string(raw))
	}
	return resp, parsed
}

func sessionCookie(t *testing.T, resp *http.Response) string {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == "session_token" {
			return c.Value
		}
	}
	t.Fatal("no session_token cookie set")
	return ""
}

// TestVerifyPayJoinFlow walks the full mini-app lifecycle: verify identity,
// attach a wallet, initiate and confirm a buy-in payment, join the seeded
// tournament, and re-confirm idempotently.
func TestVerifyPayJoinFlow(t *testing.T) {
	app, processor := newTestApp(t)

	resp, body := call(t, app, http.MethodPost, "/api/verify", "", map[string]interface{}{
		"proof":          "0xproof",
		"merkle_root":    "0xroot",
		"nullifier_hash": "null-1",
		"user_id":        "user-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user-1", body["user_id"])
	session := sessionCookie(t, resp)

	resp, _ = call(t, app, http.MethodPost, "/api/wallet", session, map[string]interface{}{
		"wallet_address": "0xwallet",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = call(t, app, http.MethodPost, "/api/initiate-payment", session, map[string]interface{}{
		"reference":      "r1",
		"type":           models.PaymentTypeTournament,
		"token":          "WLD",
		"amount":         1,
		"tournament_id":  "weekly-arena",
		"wallet_address": "0xwallet",
		"user_id":        "user-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", body["reference"])

	processor.status = &services.TransactionStatus{
		TransactionStatus: "mined",
		Reference:         "r1",
		Token:             "WLD",
		Amount:            "1000000000000000000",
		WalletAddress:     "0xwallet",
		CreatedAt:         time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	}
	confirmReq := map[string]interface{}{
		"reference": "r1",
		"payload": map[string]interface{}{
			"status":         "success",
			"transaction_id": "0xtx1",
			"token":          "WLD",
			"token_amount":   "1000000000000000000",
			"wallet_address": "0xwallet",
		},
	}
	resp, body = call(t, app, http.MethodPost, "/api/confirm-payment", session, confirmReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Pago confirmado", body["message"])

	resp, body = call(t, app, http.MethodPost, "/api/tournaments/weekly-arena/join", session, map[string]interface{}{
		"token":            "WLD",
		"amount":           1,
		"userId":           "user-1",
		"username":         "alice",
		"walletAddress":    "0xwallet",
		"score":            100,
		"paymentReference": "r1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tour := body["tournament"].(map[string]interface{})
	assert.EqualValues(t, 1, tour["current_players"])
	assert.Equal(t, "1000000000000000000", tour["prize_pool"])

	// Re-confirming is a no-op: same message variant, no second upstream call,
	// no double pool credit.
	resp, body = call(t, app, http.MethodPost, "/api/confirm-payment", session, confirmReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Pago ya confirmado previamente", body["message"])
	assert.Equal(t, 1, processor.calls)

	resp, body = call(t, app, http.MethodGet, "/api/tournaments/weekly-arena", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tour = body["tournament"].(map[string]interface{})
	assert.Equal(t, "1000000000000000000", tour["prize_pool"])

	resp, body = call(t, app, http.MethodGet, "/api/tournaments/weekly-arena/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["leaderboard"].([]interface{})
	require.Len(t, entries, 1)
	first := entries[0].(map[string]interface{})
	assert.EqualValues(t, 1, first["rank"])
	assert.Equal(t, "alice", first["username"])
	assert.Equal(t, "500000000000000000", first["prize"])
}

func TestProgressRoundTrip(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := call(t, app, http.MethodPost, "/api/verify", "", map[string]interface{}{
		"proof":          "0xproof",
		"merkle_root":    "0xroot",
		"nullifier_hash": "null-1",
		"user_id":        "user-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := sessionCookie(t, resp)

	resp, _ = call(t, app, http.MethodPost, "/api/progress", session, map[string]interface{}{
		"tournament_id": "weekly-arena",
		"data":          map[string]interface{}{"level": 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := call(t, app, http.MethodGet, "/api/progress?tournament_id=weekly-arena", session, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 3, data["level"])

	// Unknown tournament returns an empty payload, not an error.
	resp, body = call(t, app, http.MethodGet, "/api/progress?tournament_id=other", session, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["data"])
}
