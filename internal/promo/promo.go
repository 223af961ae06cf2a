package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

var (
	ErrPromoInvalid      = errors.New("invalid promo code")
	ErrPromoNotFound     = fmt.Errorf("%w: not found", ErrPromoInvalid)
	ErrPromoLimitReached = fmt.Errorf("%w: usage limit reached", ErrPromoInvalid)
	ErrPromoExpired      = fmt.Errorf("%w: outside validity window", ErrPromoInvalid)
	ErrPromoWrongPlan    = fmt.Errorf("%w: not applicable to this plan", ErrPromoInvalid)

	ErrBadDefinition = errors.New("invalid promo definition")
)

// Store is the promo persistence the service needs
type Store interface {
	GetPromoByCode(ctx context.Context, code string) (*models.PromoCode, error)
	CreatePromo(ctx context.Context, p *models.PromoCode) error
	// AddRedeemer appends userID to the redeemer list unless already present.
	AddRedeemer(ctx context.Context, promoID, userID string) error
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Normalize upper-cases and trims a code as typed by a user
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check validates a loaded promo against a plan at a given instant. The cap is
// checked before the window so an exhausted code always reports the limit.
func Check(p *models.PromoCode, plan models.PlanID, now time.Time) error {
	if p == nil {
		return ErrPromoNotFound
	}
	if p.MaxUses > 0 && len(p.RedeemedBy) >= p.MaxUses {
		return ErrPromoLimitReached
	}
	if now.Before(p.StartsAt) || (!p.EndsAt.IsZero() && now.After(p.EndsAt)) {
		return ErrPromoExpired
	}
	if p.Plan != "" && p.Plan != plan {
		return ErrPromoWrongPlan
	}
	return nil
}

// Validate loads a code and checks it for plan
func (s *Service) Validate(ctx context.Context, code string, plan models.PlanID) (*models.PromoCode, error) {
	code = Normalize(code)
	if code == "" {
		return nil, ErrPromoNotFound
	}
	p, err := s.store.GetPromoByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load promo: %w", err)
	}
	if err := Check(p, plan, s.now()); err != nil {
		return nil, err
	}
	return p, nil
}

// Redeem records userID as a user of the code. There is no transaction around
// the cap check, so concurrent redemptions can overshoot MaxUses by one.
func (s *Service) Redeem(ctx context.Context, p *models.PromoCode, userID string) error {
	if p.Redeemed(userID) {
		return nil
	}
	if err := s.store.AddRedeemer(ctx, p.ID, userID); err != nil {
		return fmt.Errorf("redeem promo: %w", err)
	}
	logger.Get().Info("promo redeemed",
		zap.String("code", p.Code),
		zap.String("user_id", userID),
		zap.Int("uses", len(p.RedeemedBy)+1))
	return nil
}

// Create stores a new code (admin)
func (s *Service) Create(ctx context.Context, p *models.PromoCode) error {
	p.Code = Normalize(p.Code)
	if p.Code == "" {
		return fmt.Errorf("%w: code is required", ErrBadDefinition)
	}
	if p.DiscountPct <= 0 || p.DiscountPct > 100 {
		return fmt.Errorf("%w: discount must be in (0, 100]", ErrBadDefinition)
	}
	if p.Plan != "" && !p.Plan.Valid() {
		return fmt.Errorf("%w: unknown plan %q", ErrBadDefinition, p.Plan)
	}
	if !p.EndsAt.IsZero() && p.EndsAt.Before(p.StartsAt) {
		return fmt.Errorf("%w: validity window ends before it starts", ErrBadDefinition)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.RedeemedBy == nil {
		p.RedeemedBy = []string{}
	}
	p.CreatedAt = s.now()
	return s.store.CreatePromo(ctx, p)
}
