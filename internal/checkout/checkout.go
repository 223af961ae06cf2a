// Package checkout builds the order summary handed off to WhatsApp for manual
// payment collection.
package checkout

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"jetpredict-app/internal/models"
)

// PaymentMethods accepted by the payment desk
var PaymentMethods = []string{"Orange Money", "MTN MoMo", "Moov Money", "Wave"}

func ValidMethod(m string) bool {
	for _, pm := range PaymentMethods {
		if strings.EqualFold(pm, m) {
			return true
		}
	}
	return false
}

// AppliedPromo is the promo line of an order
type AppliedPromo struct {
	Code        string
	DiscountPct float64
}

// Order is everything the hand-off message encodes
type Order struct {
	Plan          models.PlanID
	BasePrice     decimal.Decimal
	Promo         *AppliedPromo
	FinalPrice    decimal.Decimal // already discounted by the caller
	User          *models.User
	PaymentMethod string
}

// Quote applies a discount percentage: base - base*pct/100, rounded to the
// franc.
func Quote(base decimal.Decimal, pct float64) decimal.Decimal {
	if pct <= 0 {
		return base
	}
	discount := base.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	return base.Sub(discount).Round(0)
}

// ComposeOrderMessage renders the order deterministically. It does no math.
func ComposeOrderMessage(o Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛒 Commande Jet Predict : forfait %s (%s)\n", o.Plan.Label(), o.Plan)
	fmt.Fprintf(&b, "💰 Prix : %s FCFA\n", o.BasePrice.StringFixed(0))
	if o.Promo != nil {
		fmt.Fprintf(&b, "🎟️ Code promo : %s (-%s%%)\n", o.Promo.Code, decimal.NewFromFloat(o.Promo.DiscountPct).String())
	}
	fmt.Fprintf(&b, "✅ Prix final : %s FCFA\n", o.FinalPrice.StringFixed(0))
	b.WriteString("\n👤 Client\n")
	if o.User != nil {
		fmt.Fprintf(&b, "Email : %s\n", o.User.Email)
		fmt.Fprintf(&b, "ID : %s\n", o.User.ID)
		if o.User.ReferredBy != "" {
			fmt.Fprintf(&b, "Code de parrainage : %s\n", o.User.ReferredBy)
		}
	}
	fmt.Fprintf(&b, "\n💳 Moyen de paiement : %s\n", o.PaymentMethod)
	b.WriteString("\nMerci de m'indiquer la procédure pour finaliser mon paiement.")
	return b.String()
}

// DeepLink opens a WhatsApp chat with phone, pre-filled with text
func DeepLink(phone, text string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return "https://wa.me/" + digits + "?text=" + url.QueryEscape(text)
}

// SupportLink opens the support chat on WhatsApp with the account already named
func SupportLink(phone string, u *models.User) string {
	return DeepLink(phone, fmt.Sprintf("Bonjour, j'ai besoin d'aide avec mon compte Jet Predict (%s, ID %s).", u.Email, u.ID))
}
