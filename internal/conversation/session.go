// Package conversation holds the chat-bot flows: one current step and its
// collected data per chat, advanced by free text input.
package conversation

import (
	"time"

	"jetpredict-app/internal/models"
)

// Step is the waypoint a chat is waiting at
type Step string

const (
	StepLinkingToken Step = "awaiting_linking_token"

	StepRegistrationEmail           Step = "awaiting_registration_email"
	StepRegistrationPassword        Step = "awaiting_registration_password"
	StepRegistrationConfirmPassword Step = "awaiting_registration_confirm_password"

	StepChangePasswordCurrent Step = "awaiting_change_password_current"
	StepChangePasswordNew     Step = "awaiting_change_password_new"
	StepChangePasswordConfirm Step = "awaiting_change_password_confirm"

	StepChangeEmailPassword Step = "awaiting_change_email_password"
	StepChangeEmailNew      Step = "awaiting_change_email_new"

	StepFirstName    Step = "awaiting_firstname"
	StepUsernameEdit Step = "awaiting_username_edit"
	StepPhone        Step = "awaiting_phone"
	StepFavoriteGame Step = "awaiting_favorite_game"
	StepTipsterCode  Step = "awaiting_pronostiqueur_code"

	StepHistory Step = "awaiting_history"

	StepPromoDecision Step = "awaiting_promo_code_decision"
	StepPromoInput    Step = "awaiting_promo_code_input"
	StepPaymentMethod Step = "awaiting_payment_method"
)

// Data is what a flow collected so far. Each flow only fills its own fields.
type Data struct {
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
	ReferredBy   string `json:"referred_by,omitempty"`

	NewPasswordHash string `json:"new_password_hash,omitempty"`

	RiskLevel models.RiskLevel `json:"risk_level,omitempty"`

	Plan        models.PlanID `json:"plan,omitempty"`
	PromoCode   string        `json:"promo_code,omitempty"`
	DiscountPct float64       `json:"discount_pct,omitempty"`
	FinalPrice  string        `json:"final_price,omitempty"` // decimal string
}

// Session is the single in-flight flow of a chat
type Session struct {
	ChatID    int64     `json:"chat_id"`
	Step      Step      `json:"step"`
	Data      Data      `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}
