package plans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

var (
	ErrTrialUsed         = errors.New("free trial already used")
	ErrAlreadySubscribed = errors.New("an active plan already exists")
	ErrUnknownPlan       = errors.New("unknown plan")
)

// Store is the subscription persistence the service needs
type Store interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	DeactivateSubscription(ctx context.Context, userID string) error
	ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error)
	MarkTrialUsed(ctx context.Context, userID string) error
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// SetClock replaces time.Now, for tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Current loads the subscription of a user and enforces the soft expiry: an
// active record whose end has passed is written back as inactive before the
// entitlements are resolved. A user without a record gets (nil, empty).
func (s *Service) Current(ctx context.Context, userID string) (*models.Subscription, Entitlements, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, Entitlements{}, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return nil, Entitlements{}, nil
	}

	if sub.Active && sub.Expired(s.now()) {
		if err := s.store.DeactivateSubscription(ctx, userID); err != nil {
			return nil, Entitlements{}, fmt.Errorf("deactivate expired subscription: %w", err)
		}
		sub.Active = false
		logger.Get().Info("subscription expired",
			zap.String("user_id", userID),
			zap.String("plan", string(sub.Plan)))
	}

	return sub, Resolve(sub), nil
}

// RequireRisk refuses risk levels outside the current plan
func (s *Service) RequireRisk(ctx context.Context, userID string, r models.RiskLevel) error {
	_, ent, err := s.Current(ctx, userID)
	if err != nil {
		return err
	}
	if !ent.Allows(r) {
		return &DeniedError{Feature: "risk level " + string(r), Required: MinimumPlanFor(r)}
	}
	return nil
}

// RequirePremium refuses strategies, overlay and simulation below Weekly
func (s *Service) RequirePremium(ctx context.Context, userID string) error {
	_, ent, err := s.Current(ctx, userID)
	if err != nil {
		return err
	}
	if !ent.Premium {
		return &DeniedError{Feature: "premium features", Required: minimumPlan(func(e Entitlements) bool { return e.Premium })}
	}
	return nil
}

// RequireSupport refuses the support channel below Monthly
func (s *Service) RequireSupport(ctx context.Context, userID string) error {
	_, ent, err := s.Current(ctx, userID)
	if err != nil {
		return err
	}
	if !ent.Support {
		return &DeniedError{Feature: "support", Required: minimumPlan(func(e Entitlements) bool { return e.Support })}
	}
	return nil
}

// Activate records a confirmed purchase. Buying the plan that is already
// running extends it from its current end; any other purchase starts now.
func (s *Service) Activate(ctx context.Context, userID string, plan models.PlanID) (*models.Subscription, error) {
	offer, ok := OfferFor(plan)
	if !ok {
		return nil, ErrUnknownPlan
	}

	current, _, err := s.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sub := &models.Subscription{
		UserID:    userID,
		Plan:      plan,
		Active:    true,
		StartedAt: now,
		EndsAt:    now.Add(offer.Duration),
	}
	if current != nil && current.Active && current.Plan == plan {
		sub.StartedAt = current.StartedAt
		sub.EndsAt = current.EndsAt.Add(offer.Duration)
	}

	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	logger.Get().Info("subscription activated",
		zap.String("user_id", userID),
		zap.String("plan", string(plan)),
		zap.Time("ends_at", sub.EndsAt))
	return sub, nil
}

// GrantTrial gives the free hourly plan, once per account
func (s *Service) GrantTrial(ctx context.Context, user *models.User) (*models.Subscription, error) {
	if user.TrialUsed {
		return nil, ErrTrialUsed
	}
	current, _, err := s.Current(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Active {
		return nil, ErrAlreadySubscribed
	}

	now := s.now()
	sub := &models.Subscription{
		UserID:    user.ID,
		Plan:      models.PlanHourly,
		Active:    true,
		StartedAt: now,
		EndsAt:    now.Add(TrialDuration),
	}
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("save trial: %w", err)
	}
	if err := s.store.MarkTrialUsed(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("mark trial used: %w", err)
	}
	user.TrialUsed = true
	return sub, nil
}

// ExpireDue flips every overdue active subscription, returning how many
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpiredSubscriptions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sub := range due {
		if err := s.store.DeactivateSubscription(ctx, sub.UserID); err != nil {
			logger.Get().Error("failed to deactivate subscription",
				zap.String("user_id", sub.UserID),
				zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
