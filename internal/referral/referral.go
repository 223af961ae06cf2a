package referral

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

type Store interface {
	AppendReferralEntry(ctx context.Context, e *models.ReferralEntry) error
	ListReferralEntries(ctx context.Context, referrerID string) ([]models.ReferralEntry, error)
}

// Users resolves a referral code (a username) to its owner
type Users interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

type Service struct {
	store Store
	users Users
	rate  decimal.Decimal
	now   func() time.Time
}

func NewService(store Store, users Users, rate float64) *Service {
	return &Service{store: store, users: users, rate: decimal.NewFromFloat(rate), now: time.Now}
}

// RecordCommission credits the referrer of buyer with rate × paid. It does
// nothing for buyers without a referrer or with an unknown one.
func (s *Service) RecordCommission(ctx context.Context, buyer *models.User, plan models.PlanID, paid decimal.Decimal) (*models.ReferralEntry, error) {
	if buyer.ReferredBy == "" || !paid.IsPositive() {
		return nil, nil
	}
	referrer, err := s.users.GetUserByUsername(ctx, buyer.ReferredBy)
	if err != nil {
		return nil, fmt.Errorf("lookup referrer: %w", err)
	}
	if referrer == nil || referrer.ID == buyer.ID {
		return nil, nil
	}

	entry := &models.ReferralEntry{
		ID:             uuid.NewString(),
		ReferrerID:     referrer.ID,
		Amount:         paid.Mul(s.rate).Round(0),
		SourceUsername: buyer.Username,
		SourcePlan:     plan,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendReferralEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append referral entry: %w", err)
	}
	logger.Get().Info("referral commission recorded",
		zap.String("referrer_id", referrer.ID),
		zap.String("source", buyer.Username),
		zap.String("amount", entry.Amount.String()))
	return entry, nil
}

// UserTotal is what one referred user brought in
type UserTotal struct {
	Username string          `json:"username"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// Summary aggregates a referrer's ledger
type Summary struct {
	Balance decimal.Decimal        `json:"balance"`
	ByUser  []UserTotal            `json:"by_user"`
	Entries []models.ReferralEntry `json:"entries"`
}

// Summarize computes the running balance and per referred user totals,
// ordered by total then username.
func Summarize(entries []models.ReferralEntry) Summary {
	sum := Summary{Balance: decimal.Zero, ByUser: []UserTotal{}, Entries: entries}
	idx := map[string]int{}
	for _, e := range entries {
		sum.Balance = sum.Balance.Add(e.Amount)
		i, ok := idx[e.SourceUsername]
		if !ok {
			i = len(sum.ByUser)
			idx[e.SourceUsername] = i
			sum.ByUser = append(sum.ByUser, UserTotal{Username: e.SourceUsername, Total: decimal.Zero})
		}
		sum.ByUser[i].Total = sum.ByUser[i].Total.Add(e.Amount)
		sum.ByUser[i].Count++
	}
	sort.SliceStable(sum.ByUser, func(a, b int) bool {
		if c := sum.ByUser[a].Total.Cmp(sum.ByUser[b].Total); c != 0 {
			return c > 0
		}
		return sum.ByUser[a].Username < sum.ByUser[b].Username
	})
	return sum
}

func (s *Service) Summary(ctx context.Context, referrerID string) (Summary, error) {
	entries, err := s.store.ListReferralEntries(ctx, referrerID)
	if err != nil {
		return Summary{}, err
	}
	if entries == nil {
		entries = []models.ReferralEntry{}
	}
	return Summarize(entries), nil
}
