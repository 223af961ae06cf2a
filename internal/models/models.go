package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a Jet Predict account
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"` // also the referral code
	PasswordHash string `json:"-"`

	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Gender       string `json:"gender"`
	BirthDate    string `json:"birth_date"` // YYYY-MM-DD
	Phone        string `json:"phone"`
	FavoriteGame string `json:"favorite_game"`
	TipsterCode  string `json:"tipster_code"` // code "pronostiqueur"
	ReferredBy   string `json:"referred_by,omitempty"`

	Online           bool `json:"online"`
	AlertsEnabled    bool `json:"alerts_enabled"`
	SoundEnabled     bool `json:"sound_enabled"`
	VibrationEnabled bool `json:"vibration_enabled"`

	TelegramLinkToken string `json:"-"`
	TelegramChatID    *int64 `json:"telegram_chat_id"` // Pointer allowing null
	TrialUsed         bool   `json:"trial_used"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription is the single pricing record of a user
type Subscription struct {
	UserID    string    `json:"user_id"`
	Plan      PlanID    `json:"plan"`
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"started_at"`
	EndsAt    time.Time `json:"ends_at"`
}

// Expired reports whether the end timestamp has passed
func (s *Subscription) Expired(now time.Time) bool {
	return !s.EndsAt.IsZero() && now.After(s.EndsAt)
}

// Remaining returns the time left before expiry, zero when expired
func (s *Subscription) Remaining(now time.Time) time.Duration {
	if !s.Active || s.Expired(now) {
		return 0
	}
	return s.EndsAt.Sub(now)
}

// Slot is one predicted crash point at a time of day
type Slot struct {
	Time       string  `json:"time" bson:"time"` // HH:MM
	CrashPoint float64 `json:"predictedCrashPoint" bson:"predictedCrashPoint"`
}

// Strategy is a saved betting narrative for one slot
type Strategy struct {
	Time         string `json:"time" bson:"time"`
	Conservative string `json:"conservativeStrategy" bson:"conservativeStrategy"`
	Aggressive   string `json:"aggressiveStrategy" bson:"aggressiveStrategy"`
}

// Prediction is a persisted batch of slots for one user, risk level and day
type Prediction struct {
	ID              string     `json:"id" bson:"_id"`
	UserID          string     `json:"user_id" bson:"userId"`
	RiskLevel       RiskLevel  `json:"risk_level" bson:"riskLevel"`
	History         []float64  `json:"history" bson:"history"`
	Slots           []Slot     `json:"predictions" bson:"predictions"`
	SavedStrategies []Strategy `json:"saved_strategies" bson:"savedStrategies"`
	CreatedAt       time.Time  `json:"created_at" bson:"createdAt"`
}

// StrategyFor returns the first saved strategy for a slot
func (p *Prediction) StrategyFor(slot string) (*Strategy, bool) {
	for i := range p.SavedStrategies {
		if p.SavedStrategies[i].Time == slot {
			return &p.SavedStrategies[i], true
		}
	}
	return nil, false
}

// SlotAt returns the slot predicted for the given time of day
func (p *Prediction) SlotAt(t string) (Slot, bool) {
	for _, s := range p.Slots {
		if s.Time == t {
			return s, true
		}
	}
	return Slot{}, false
}

// PromoCode is a discount code with validity window and usage cap
type PromoCode struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Plan        PlanID    `json:"plan,omitempty"` // empty = every plan
	DiscountPct float64   `json:"discount_pct"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	MaxUses     int       `json:"max_uses"`
	RedeemedBy  []string  `json:"redeemed_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Redeemed reports whether userID is already in the redeemer list
func (p *PromoCode) Redeemed(userID string) bool {
	for _, id := range p.RedeemedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ReferralEntry is an append-only commission line owned by the referrer
type ReferralEntry struct {
	ID             string          `json:"id"`
	ReferrerID     string          `json:"referrer_id"`
	Amount         decimal.Decimal `json:"amount"`
	SourceUsername string          `json:"source_username"`
	SourcePlan     PlanID          `json:"source_plan"`
	CreatedAt      time.Time       `json:"created_at"`
}
