package services

import (
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"world-arena-backend/audit"
	"world-arena-backend/database"
	"world-arena-backend/models"
	"world-arena-backend/tokens"
)

// TournamentService owns tournament definitions, admissions, the prize pool and
// the leaderboard. Admission is a single locked transaction: participant row,
// pool credit and leaderboard entry commit together or not at all.
type TournamentService struct {
	DB     *gorm.DB
	Lock   *database.AdvisoryLock
	Verify *VerifyService
	Audit  *audit.Logger
}

func NewTournamentService(db *gorm.DB, lock *database.AdvisoryLock, verify *VerifyService, log *audit.Logger) *TournamentService {
	return &TournamentService{DB: db, Lock: lock, Verify: verify, Audit: log}
}

// SeedDefaultTournaments creates the launch tournaments when the table is
// empty, so a fresh deployment has something to join.
func (s *TournamentService) SeedDefaultTournaments() error {
	var count int64
	if err := s.DB.Model(&models.Tournament{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now()
	defaults := []models.Tournament{
		{
			ID:           "weekly-arena",
			Name:         "Weekly Arena",
			BuyInToken:   "WLD",
			BuyInAmount:  "1",
			PrizePool:    "0",
			MaxPlayers:   100,
			StartTime:    now,
			EndTime:      now.Add(7 * 24 * time.Hour),
			Distribution: "50,30,20",
			Accepted:     "WLD",
		},
		{
			ID:           "daily-sprint",
			Name:         "Daily Sprint",
			BuyInToken:   "USDC.e",
			BuyInAmount:  "0.5",
			PrizePool:    "0",
			MaxPlayers:   50,
			StartTime:    now,
			EndTime:      now.Add(24 * time.Hour),
			Distribution: "60,40",
			Accepted:     "USDC.e,WLD",
		},
	}
	for i := range defaults {
		if err := s.DB.Create(&defaults[i]).Error; err != nil {
			return err
		}
	}
	s.Audit.Event("seed_tournaments").Int("count", len(defaults)).Msg("default tournaments created")
	return nil
}

// loadTournament fetches one tournament with status and player count freshly
// derived. Status is never served from storage.
func (s *TournamentService) loadTournament(id string) (*models.Tournament, error) {
	var tournament models.Tournament
	if err := s.DB.First(&tournament, "id = ?", id).Error; err != nil {
		return nil, err
	}
	tournament.DeriveStatus(time.Now())
	s.DB.Model(&models.TournamentParticipant{}).
		Where("tournament_id = ?", id).
		Count(&tournament.CurrentPlayers)
	return &tournament, nil
}

func (s *TournamentService) GetAllTournaments(c *fiber.Ctx) error {
	var list []models.Tournament
	if err := s.DB.Order("start_time ASC").Find(&list).Error; err != nil {
		s.Audit.Error("get_tournaments").Err(err).Msg("DB error")
		return respondError(c, err)
	}
	now := time.Now()
	for i := range list {
		list[i].DeriveStatus(now)
		s.DB.Model(&models.TournamentParticipant{}).
			Where("tournament_id = ?", list[i].ID).
			Count(&list[i].CurrentPlayers)
	}
	return c.JSON(fiber.Map{"success": true, "tournaments": list})
}

func (s *TournamentService) GetTournamentByID(c *fiber.Ctx) error {
	tournament, err := s.loadTournament(c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, apiError(fiber.StatusNotFound, CodeNotFound, "tournament not found"))
		}
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "tournament": tournament})
}

// ParticipantExists reports whether the user already joined the tournament.
func (s *TournamentService) ParticipantExists(tournamentID, userID string) bool {
	var count int64
	s.DB.Model(&models.TournamentParticipant{}).
		Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
		Count(&count)
	return count > 0
}

// JoinTournament admits a verified, paid identity exactly once. Every check in
// the validation sequence has its own code so clients can remediate precisely.
func (s *TournamentService) JoinTournament(c *fiber.Ctx) error {
	verification, err := s.Verify.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	type Req struct {
		Token            string      `json:"token"`
		Amount           json.Number `json:"amount"`
		UserID           string      `json:"userId"`
		Username         string      `json:"username"`
		WalletAddress    string      `json:"walletAddress"`
		Score            int64       `json:"score"`
		PaymentReference string      `json:"paymentReference"`
	}
	tournamentID := c.Params("id")
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidPayload([]string{"invalid JSON body"}))
	}

	var details []string
	if req.Token == "" {
		details = append(details, "token is required")
	}
	if req.Amount.String() == "" {
		details = append(details, "amount is required")
	}
	if req.UserID == "" {
		details = append(details, "userId is required")
	}
	if req.Username == "" {
		details = append(details, "username is required")
	}
	if req.WalletAddress == "" {
		details = append(details, "walletAddress is required")
	}
	if req.PaymentReference == "" {
		details = append(details, "paymentReference is required")
	}
	if len(details) > 0 {
		return respondError(c, invalidPayload(details))
	}

	tournament, err := s.loadTournament(tournamentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, apiError(fiber.StatusNotFound, CodeNotFound, "tournament not found"))
		}
		return respondError(c, err)
	}

	if !tournament.AcceptsToken(req.Token) {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusBadRequest, CodeTokenNotAccepted, "token not accepted for this tournament"))
	}

	var payment models.PaymentRecord
	if err := s.DB.Where("reference = ?", req.PaymentReference).First(&payment).Error; err != nil {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusNotFound, CodeReferenceNotFound, "payment reference not found"))
	}
	if payment.Status != models.PaymentConfirmed {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusForbidden, CodePaymentNotConfirmed, "payment is not confirmed"))
	}

	// The expected amount is recomputed here, never taken from the client. Both
	// the request's claim and the tournament's buy-in must agree with what was
	// actually paid.
	claimedUnits, err := tokens.ToBaseUnits(req.Amount.String(), req.Token)
	if err != nil {
		return respondError(c, invalidPayload([]string{"amount is not a valid decimal"}))
	}
	buyInUnits, err := tokens.ToBaseUnits(tournament.BuyInAmount, tournament.BuyInToken)
	if err != nil {
		s.Audit.Error("join_tournament").Err(err).Str("tournament", tournament.ID).Msg("bad buy-in configuration")
		return respondError(c, err)
	}
	tokenAddress, err := tokens.Normalize(req.Token)
	if err != nil {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusBadRequest, CodeTokenNotAccepted, "unsupported token"))
	}
	if tokenAddress != payment.TokenAddress {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusBadRequest, CodeAmountMismatch, "token does not match payment"))
	}
	if claimedUnits != payment.TokenAmount || claimedUnits != buyInUnits {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusBadRequest, CodeAmountMismatch, "amount does not match confirmed payment"))
	}

	if payment.TournamentID != tournament.ID {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusForbidden, CodeTournamentMismatch, "payment was made for a different tournament"))
	}
	if payment.SessionToken != verification.SessionToken {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusUnauthorized, CodeSessionInvalid, "session does not match payment"))
	}
	if req.UserID != verification.UserID || payment.UserID != verification.UserID {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusForbidden, CodeUserMismatch, "user does not match payment"))
	}
	if payment.NullifierHash != verification.NullifierHash {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusForbidden, CodeIdentityMismatch, "identity does not match payment"))
	}
	if payment.WalletAddress != req.WalletAddress {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusForbidden, CodeWalletMismatch, "wallet does not match payment"))
	}

	// Snapshot pre-checks; both are re-validated inside the locked transaction.
	if s.ParticipantExists(tournament.ID, verification.UserID) {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusConflict, CodeAlreadyJoined, "user already joined this tournament"))
	}
	if tournament.MaxPlayers > 0 && tournament.CurrentPlayers >= int64(tournament.MaxPlayers) {
		return s.rejectJoin(c, tournament.ID, verification.UserID,
			apiError(fiber.StatusForbidden, CodeTournamentFull, "tournament is full"))
	}

	now := time.Now()
	err = s.Lock.WithLock(c.Context(), func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			// Re-validate under the lock: the snapshot reads above may be stale.
			var dup int64
			tx.Model(&models.TournamentParticipant{}).
				Where("tournament_id = ? AND user_id = ?", tournament.ID, verification.UserID).
				Count(&dup)
			if dup > 0 {
				return apiError(fiber.StatusConflict, CodeAlreadyJoined, "user already joined this tournament")
			}
			var players int64
			tx.Model(&models.TournamentParticipant{}).
				Where("tournament_id = ?", tournament.ID).
				Count(&players)
			if tournament.MaxPlayers > 0 && players >= int64(tournament.MaxPlayers) {
				return apiError(fiber.StatusForbidden, CodeTournamentFull, "tournament is full")
			}

			participant := models.TournamentParticipant{
				ID:               uuid.NewString(),
				TournamentID:     tournament.ID,
				UserID:           verification.UserID,
				PaymentReference: payment.Reference,
				Status:           "joined",
				JoinedAt:         now,
			}
			if err := tx.Create(&participant).Error; err != nil {
				return err
			}

			var stored models.Tournament
			if err := tx.First(&stored, "id = ?", tournament.ID).Error; err != nil {
				return err
			}
			newPool, err := addBaseUnits(stored.PrizePool, buyInUnits)
			if err != nil {
				return err
			}
			if err := tx.Model(&stored).Update("prize_pool", newPool).Error; err != nil {
				return err
			}

			score := models.TournamentScore{
				ID:            uuid.NewString(),
				TournamentID:  tournament.ID,
				UserID:        verification.UserID,
				Username:      req.Username,
				WalletAddress: req.WalletAddress,
				Score:         req.Score,
				JoinedAt:      now,
			}
			if err := tx.Create(&score).Error; err != nil {
				return err
			}

			tournament.PrizePool = newPool
			tournament.CurrentPlayers = players + 1
			return nil
		})
	})
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			s.Audit.Error("join_tournament").Err(err).
				Str("tournament", tournament.ID).
				Str("user", audit.Hash8(verification.UserID)).
				Msg("admission transaction failed")
		}
		return respondError(c, err)
	}

	s.Audit.Event("join_tournament").
		Str("tournament", tournament.ID).
		Str("user", audit.Hash8(verification.UserID)).
		Str("reference", payment.Reference).
		Str("prize_pool", tournament.PrizePool).
		Msg("participant admitted")

	tournament.DeriveStatus(time.Now())
	return c.JSON(fiber.Map{"success": true, "tournament": tournament})
}

// rejectJoin audits the named rejection and renders it.
func (s *TournamentService) rejectJoin(c *fiber.Ctx, tournamentID, userID string, apiErr *APIError) error {
	s.Audit.Warn("join_tournament").
		Str("tournament", tournamentID).
		Str("user", audit.Hash8(userID)).
		Str("code", apiErr.Code).
		Msg("join rejected")
	return respondError(c, apiErr)
}

// GetLeaderboard returns ranked entries with prizes for the current pool.
func (s *TournamentService) GetLeaderboard(c *fiber.Ctx) error {
	tournament, err := s.loadTournament(c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, apiError(fiber.StatusNotFound, CodeNotFound, "tournament not found"))
		}
		return respondError(c, err)
	}

	var scores []models.TournamentScore
	if err := s.DB.Where("tournament_id = ?", tournament.ID).Find(&scores).Error; err != nil {
		return respondError(c, err)
	}

	entries := ComputeLeaderboard(scores, tournament.PrizePool, tournament.DistributionPercents())
	return c.JSON(fiber.Map{
		"success":     true,
		"tournament":  tournament.ID,
		"prize_pool":  tournament.PrizePool,
		"leaderboard": entries,
	})
}

// ComputeLeaderboard ranks scores descending. Ties rank by earlier join time,
// then user id, so prize assignment stays deterministic. Prize for rank r is
// floor(prizePool × percents[r-1] / 100); ranks beyond the distribution are
// unprized.
func ComputeLeaderboard(scores []models.TournamentScore, prizePool string, percents []int64) []models.LeaderboardEntry {
	sorted := make([]models.TournamentScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if !sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	pool, ok := new(big.Int).SetString(prizePool, 10)
	if !ok {
		pool = big.NewInt(0)
	}

	entries := make([]models.LeaderboardEntry, 0, len(sorted))
	for i, sc := range sorted {
		entry := models.LeaderboardEntry{
			Rank:          i + 1,
			UserID:        sc.UserID,
			Username:      sc.Username,
			WalletAddress: sc.WalletAddress,
			Score:         sc.Score,
		}
		if i < len(percents) {
			prize := new(big.Int).Mul(pool, big.NewInt(percents[i]))
			prize.Quo(prize, big.NewInt(100))
			entry.Prize = prize.String()
		}
		entries = append(entries, entry)
	}
	return entries
}

// SubmitScore records a participant's best score. A lower score never
// overwrites a higher one.
func (s *TournamentService) SubmitScore(c *fiber.Ctx) error {
	verification, err := s.Verify.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	type Req struct {
		Score int64 `json:"score"`
	}
	tournamentID := c.Params("id")
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidPayload([]string{"invalid JSON body"}))
	}

	if !s.ParticipantExists(tournamentID, verification.UserID) {
		return respondError(c, apiError(fiber.StatusForbidden, CodeUserMismatch, "user has not joined this tournament"))
	}

	var updated models.TournamentScore
	err = s.Lock.WithLock(c.Context(), func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			var score models.TournamentScore
			if err := tx.Where("tournament_id = ? AND user_id = ?", tournamentID, verification.UserID).
				First(&score).Error; err != nil {
				return err
			}
			if req.Score > score.Score {
				if err := tx.Model(&score).Update("score", req.Score).Error; err != nil {
					return err
				}
				score.Score = req.Score
			}
			updated = score
			return nil
		})
	})
	if err != nil {
		s.Audit.Error("submit_score").Err(err).Str("tournament", tournamentID).Msg("score update failed")
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"success": true, "score": updated.Score})
}

// FinalizeTournament snapshots the final standings into result rows once the
// tournament has ended. Calling it again returns the stored results.
func (s *TournamentService) FinalizeTournament(c *fiber.Ctx) error {
	tournament, err := s.loadTournament(c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return respondError(c, apiError(fiber.StatusNotFound, CodeNotFound, "tournament not found"))
		}
		return respondError(c, err)
	}
	if tournament.Status != models.TournamentFinished {
		return respondError(c, apiError(fiber.StatusBadRequest, CodeInvalidPayload, "tournament has not ended"))
	}

	var existing []models.TournamentResult
	s.DB.Where("tournament_id = ?", tournament.ID).Order("final_rank ASC").Find(&existing)
	if len(existing) > 0 {
		return c.JSON(fiber.Map{"success": true, "results": existing})
	}

	var scores []models.TournamentScore
	if err := s.DB.Where("tournament_id = ?", tournament.ID).Find(&scores).Error; err != nil {
		return respondError(c, err)
	}
	entries := ComputeLeaderboard(scores, tournament.PrizePool, tournament.DistributionPercents())

	results := make([]models.TournamentResult, 0, len(entries))
	err = s.Lock.WithLock(c.Context(), func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			// Another finalize may have won the race.
			var count int64
			tx.Model(&models.TournamentResult{}).Where("tournament_id = ?", tournament.ID).Count(&count)
			if count > 0 {
				return tx.Where("tournament_id = ?", tournament.ID).Order("final_rank ASC").Find(&results).Error
			}
			for _, e := range entries {
				r := models.TournamentResult{
					ID:            uuid.NewString(),
					TournamentID:  tournament.ID,
					UserID:        e.UserID,
					Username:      e.Username,
					WalletAddress: e.WalletAddress,
					FinalRank:     e.Rank,
					Score:         e.Score,
					Prize:         e.Prize,
				}
				if err := tx.Create(&r).Error; err != nil {
					return err
				}
				results = append(results, r)
			}
			return nil
		})
	})
	if err != nil {
		s.Audit.Error("finalize_tournament").Err(err).Str("tournament", tournament.ID).Msg("finalize failed")
		return respondError(c, err)
	}

	s.Audit.Event("finalize_tournament").
		Str("tournament", tournament.ID).
		Int("results", len(results)).
		Msg("tournament finalized")
	return c.JSON(fiber.Map{"success": true, "results": results})
}

// SaveProgress upserts the caller's game progress blob.
func (s *TournamentService) SaveProgress(c *fiber.Ctx) error {
	verification, err := s.Verify.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	type Req struct {
		TournamentID string          `json:"tournament_id"`
		Data         json.RawMessage `json:"data"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil || len(req.Data) == 0 {
		return respondError(c, invalidPayload([]string{"data is required"}))
	}

	err = s.Lock.WithLock(c.Context(), func() error {
		return s.DB.Transaction(func(tx *gorm.DB) error {
			var progress models.GameProgress
			err := tx.Where("user_id = ? AND tournament_id = ?", verification.UserID, req.TournamentID).
				First(&progress).Error
			if err == nil {
				return tx.Model(&progress).Update("data", string(req.Data)).Error
			}
			if err != gorm.ErrRecordNotFound {
				return err
			}
			return tx.Create(&models.GameProgress{
				ID:           uuid.NewString(),
				UserID:       verification.UserID,
				TournamentID: req.TournamentID,
				Data:         string(req.Data),
			}).Error
		})
	})
	if err != nil {
		s.Audit.Error("save_progress").Err(err).Str("user", audit.Hash8(verification.UserID)).Msg("progress save failed")
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// GetProgress returns the caller's saved progress for a tournament (or the
// quick-match blob when tournament_id is absent).
func (s *TournamentService) GetProgress(c *fiber.Ctx) error {
	verification, err := s.Verify.RequireActiveSession(c)
	if err != nil {
		return respondError(c, err)
	}

	tournamentID := c.Query("tournament_id")
	var progress models.GameProgress
	if err := s.DB.Where("user_id = ? AND tournament_id = ?", verification.UserID, tournamentID).
		First(&progress).Error; err != nil {
		return c.JSON(fiber.Map{"success": true, "data": nil})
	}
	return c.JSON(fiber.Map{"success": true, "data": json.RawMessage(progress.Data)})
}

// addBaseUnits adds two integer strings in base units.
func addBaseUnits(a, b string) (string, error) {
	x, ok := new(big.Int).SetString(a, 10)
	if !ok {
		x = big.NewInt(0)
	}
	y, ok := new(big.Int).SetString(b, 10)
	if !ok {
		return "", errors.New("invalid base-unit amount: " + b)
	}
	return new(big.Int).Add(x, y).String(), nil
}
