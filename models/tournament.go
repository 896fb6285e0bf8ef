package models

import (
	"strconv"
	"strings"
	"time"
)

// Tournament statuses, derived from wall-clock time and never trusted from storage.
const (
	TournamentUpcoming = "upcoming"
	TournamentActive   = "active"
	TournamentFinished = "finished"
)

// Tournament is the stored definition of one tournament. PrizePool is an integer
// string in base units of BuyInToken and only grows inside the join transaction.
type Tournament struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	Name         string    `json:"name" gorm:"not null"`
	BuyInToken   string    `json:"buy_in_token" gorm:"not null"`  // symbol, e.g. "WLD"
	BuyInAmount  string    `json:"buy_in_amount" gorm:"not null"` // human decimal, e.g. "1"
	PrizePool    string    `json:"prize_pool" gorm:"default:'0'"` // integer string, base units
	MaxPlayers   int       `json:"max_players" gorm:"default:0"`  // 0 = unlimited
	StartTime    time.Time `json:"start_time" gorm:"not null"`
	EndTime      time.Time `json:"end_time" gorm:"not null"`
	Distribution string    `json:"prize_distribution"` // comma-separated percentages summing to 100, e.g. "50,30,20"
	Accepted     string    `json:"accepted_tokens"`    // comma-separated symbols, e.g. "WLD,USDC.e"
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Calculated fields (not stored in DB)
	Status         string `json:"status" gorm:"-"`
	CurrentPlayers int64  `json:"current_players" gorm:"-"`
}

// DeriveStatus recomputes Status from now vs start/end. Callers must invoke this
// on every read; the stored row carries no authoritative status.
func (t *Tournament) DeriveStatus(now time.Time) string {
	switch {
	case now.Before(t.StartTime):
		t.Status = TournamentUpcoming
	case now.Before(t.EndTime):
		t.Status = TournamentActive
	default:
		t.Status = TournamentFinished
	}
	return t.Status
}

// DistributionPercents parses the prize distribution column.
func (t *Tournament) DistributionPercents() []int64 {
	var out []int64
	for _, part := range strings.Split(t.Distribution, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// AcceptsToken reports whether the symbol is in the accepted set (case-insensitive).
func (t *Tournament) AcceptsToken(symbol string) bool {
	for _, part := range strings.Split(t.Accepted, ",") {
		if strings.EqualFold(strings.TrimSpace(part), symbol) {
			return true
		}
	}
	return false
}

// TournamentParticipant records one admission. The (tournament_id, user_id) pair is
// unique: a user joins a given tournament at most once.
type TournamentParticipant struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	TournamentID     string    `json:"tournament_id" gorm:"not null;uniqueIndex:idx_participant_tournament_user"`
	UserID           string    `json:"user_id" gorm:"not null;uniqueIndex:idx_participant_tournament_user"`
	PaymentReference string    `json:"payment_reference" gorm:"not null"`
	Status           string    `json:"status" gorm:"type:varchar(16);default:'joined'"`
	JoinedAt         time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// TournamentScore is one leaderboard row, upserted in the same transaction that
// admits the participant and credits the pool.
type TournamentScore struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	TournamentID  string    `json:"tournament_id" gorm:"not null;uniqueIndex:idx_score_tournament_user"`
	UserID        string    `json:"user_id" gorm:"not null;uniqueIndex:idx_score_tournament_user"`
	Username      string    `json:"username"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Score         int64     `json:"score"`
	JoinedAt      time.Time `json:"joined_at"` // tie-break: earlier join wins
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// LeaderboardEntry is the computed view of a score row: rank by score descending
// (ties broken by earlier join, then user id) and prize from the pool distribution.
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Score         int64  `json:"score"`
	Prize         string `json:"prize,omitempty"` // integer string, base units; empty beyond the distribution
}

// TournamentResult is the finalized payout snapshot written once after end time.
type TournamentResult struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	TournamentID  string    `json:"tournament_id" gorm:"not null;uniqueIndex:idx_result_tournament_user"`
	UserID        string    `json:"user_id" gorm:"not null;uniqueIndex:idx_result_tournament_user"`
	Username      string    `json:"username"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	FinalRank     int       `json:"final_rank"`
	Score         int64     `json:"score"`
	Prize         string    `json:"prize,omitempty"`
	FinalizedAt   time.Time `json:"finalized_at" gorm:"autoCreateTime"`
}

// GameProgress stores a player's in-game progress blob per tournament.
type GameProgress struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	UserID       string    `json:"user_id" gorm:"not null;uniqueIndex:idx_progress_user_tournament"`
	TournamentID string    `json:"tournament_id" gorm:"uniqueIndex:idx_progress_user_tournament"`
	Data         string    `json:"data" gorm:"type:text"` // opaque client JSON
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
