package handlers

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"jetpredict-app/internal/checkout"
	"jetpredict-app/internal/jetgame"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/middleware"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/plans"
	"jetpredict-app/internal/promo"
)

type quoteResponse struct {
	Plan        models.PlanID   `json:"plan"`
	BasePrice   decimal.Decimal `json:"base_price"`
	PromoCode   string          `json:"promo_code,omitempty"`
	DiscountPct float64         `json:"discount_pct"`
	FinalPrice  decimal.Decimal `json:"final_price"`
}

// ValidatePromo quotes a plan with a promo code without redeeming it
func (h *Handler) ValidatePromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
		Plan string `json:"plan"`
	}
	if !decode(w, r, &req) {
		return
	}
	offer, ok := h.offer(w, req.Plan)
	if !ok {
		return
	}
	p, err := h.Promos.Validate(r.Context(), req.Code, offer.Plan)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Plan:        offer.Plan,
		BasePrice:   offer.Price,
		PromoCode:   p.Code,
		DiscountPct: p.DiscountPct,
		FinalPrice:  checkout.Quote(offer.Price, p.DiscountPct),
	})
}

// Checkout composes the WhatsApp order for a plan. The promo is redeemed here
// because the hand-off is the last step the app controls. An invalid promo is
// refused unless ignore_invalid_promo asks for the full price, as the bot does.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req struct {
		Plan               string `json:"plan"`
		PromoCode          string `json:"promo_code"`
		PaymentMethod      string `json:"payment_method"`
		IgnoreInvalidPromo bool   `json:"ignore_invalid_promo"`
	}
	if !decode(w, r, &req) {
		return
	}
	offer, ok := h.offer(w, req.Plan)
	if !ok {
		return
	}
	if !checkout.ValidMethod(req.PaymentMethod) {
		writeError(w, http.StatusBadRequest, "unknown payment method")
		return
	}

	order := checkout.Order{
		Plan:          offer.Plan,
		BasePrice:     offer.Price,
		FinalPrice:    offer.Price,
		User:          u,
		PaymentMethod: req.PaymentMethod,
	}
	var promoErr string
	if req.PromoCode != "" {
		p, err := h.Promos.Validate(r.Context(), req.PromoCode, offer.Plan)
		switch {
		case err == nil:
			if err := h.Promos.Redeem(r.Context(), p, u.ID); err != nil {
				writeServiceError(w, r, err)
				return
			}
			order.Promo = &checkout.AppliedPromo{Code: p.Code, DiscountPct: p.DiscountPct}
			order.FinalPrice = checkout.Quote(offer.Price, p.DiscountPct)
		case req.IgnoreInvalidPromo && errors.Is(err, promo.ErrPromoInvalid):
			promoErr = err.Error()
		default:
			writeServiceError(w, r, err)
			return
		}
	}

	message := checkout.ComposeOrderMessage(order)
	h.notifyAdmin(message)
	logger.Get().Info("checkout handed off",
		zap.String("user_id", u.ID),
		zap.String("plan", string(offer.Plan)),
		zap.String("final_price", order.FinalPrice.String()))

	resp := map[string]interface{}{
		"message":     message,
		"url":         checkout.DeepLink(h.Config.Checkout.WhatsAppNumber, message),
		"final_price": order.FinalPrice,
	}
	if promoErr != "" {
		resp["promo_error"] = promoErr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) offer(w http.ResponseWriter, raw string) (plans.Offer, bool) {
	plan, err := models.ParsePlan(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return plans.Offer{}, false
	}
	offer, _ := plans.OfferFor(plan)
	return offer, true
}

func (h *Handler) ReferralSummary(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	sum, err := h.Referrals.Summary(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":    u.Username,
		"summary": sum,
	})
}

// Support hands Monthly subscribers the WhatsApp support line
func (h *Handler) Support(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	if err := h.Plans.RequireSupport(r.Context(), u.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url": checkout.SupportLink(h.Config.Checkout.WhatsAppNumber, u),
	})
}

// JetGameRound draws one practice round (premium)
func (h *Handler) JetGameRound(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	if err := h.Plans.RequirePremium(r.Context(), u.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.rngMu.Lock()
	round := jetgame.Play(h.rng)
	h.rngMu.Unlock()
	writeJSON(w, http.StatusOK, round)
}
