package handlers

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

var adminLoginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
	<title>Jet Predict Admin</title>
	<script src="https://telegram.org/js/telegram-web-app.js"></script>
	<style>
		body {
			font-family: -apple-system, sans-serif;
			display: flex;
			justify-content: center;
			align-items: center;
			height: 100vh;
			margin: 0;
			background: #0f172a;
			color: #e2e8f0;
		}
		.card {
			text-align: center;
			padding: 40px;
			background: #1e293b;
			border-radius: 16px;
		}
		.spinner {
			width: 40px;
			height: 40px;
			border: 4px solid #334155;
			border-top-color: #f97316;
			border-radius: 50%;
			animation: spin 1s linear infinite;
			margin: 0 auto 16px;
		}
		@keyframes spin { to { transform: rotate(360deg); } }
		.error { color: #f87171; margin-top: 16px; }
	</style>
</head>
<body>
	<div class="card">
		<div class="spinner"></div>
		<p>Authentification...</p>
		<p id="error" class="error" style="display:none;"></p>
	</div>
	<script>
		const tg = window.Telegram.WebApp;
		tg.ready();
		tg.expand();

		if (tg.initData) {
			document.cookie = "tg_init_data=" + encodeURIComponent(tg.initData) + "; path=/admin; SameSite=Lax; max-age=86400";
			setTimeout(() => { window.location.href = {{.Next}}; }, 500);
		} else {
			document.getElementById("error").style.display = "block";
			document.getElementById("error").innerText = "Telegram introuvable. Ouvrez cette page depuis la Mini App.";
		}
	</script>
</body>
</html>`))

// AdminLogin stores the Mini App initData in a cookie, then sends the admin on
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")
	if !strings.HasPrefix(next, "/admin/") || strings.HasPrefix(next, "/admin/login") {
		next = "/admin/users/search"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := adminLoginPage.Execute(w, struct{ Next string }{next}); err != nil {
		logger.Get().Error("failed to render admin login", zap.Error(err))
	}
}

func (h *Handler) AdminSearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Accounts.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// AdminConfirmSubscription activates a plan once the WhatsApp payment is
// confirmed and credits the buyer's referrer
func (h *Handler) AdminConfirmSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
		Paid string `json:"paid"` // defaults to the catalog price
	}
	if !decode(w, r, &req) {
		return
	}
	offer, ok := h.offer(w, req.Plan)
	if !ok {
		return
	}
	paid := offer.Price
	if req.Paid != "" {
		d, err := decimal.NewFromString(req.Paid)
		if err != nil || d.IsNegative() {
			writeError(w, http.StatusBadRequest, "invalid paid amount")
			return
		}
		paid = d
	}

	user, err := h.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sub, err := h.Plans.Activate(r.Context(), user.ID, offer.Plan)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// the plan is live even if the commission fails
	entry, err := h.Referrals.RecordCommission(r.Context(), user, offer.Plan, paid)
	if err != nil {
		logger.Get().Error("failed to record referral commission",
			zap.String("user_id", user.ID),
			zap.Error(err))
	}

	h.notifyUser(user.TelegramChatID, activationMessage(sub, h.Predictions.Location()))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription": sub,
		"referral":     entry,
	})
}

func activationMessage(sub *models.Subscription, loc *time.Location) string {
	return fmt.Sprintf("✅ Votre forfait %s est actif jusqu'au %s.\nBonne chance avec Jet Predict !",
		sub.Plan.Label(), sub.EndsAt.In(loc).Format("02/01/2006 15:04"))
}

func (h *Handler) AdminCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string    `json:"code"`
		Plan        string    `json:"plan"`
		DiscountPct float64   `json:"discount_pct"`
		StartsAt    time.Time `json:"starts_at"`
		EndsAt      time.Time `json:"ends_at"`
		MaxUses     int       `json:"max_uses"`
	}
	if !decode(w, r, &req) {
		return
	}
	p := &models.PromoCode{
		Code:        req.Code,
		Plan:        models.PlanID(strings.ToLower(strings.TrimSpace(req.Plan))),
		DiscountPct: req.DiscountPct,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		MaxUses:     req.MaxUses,
	}
	if p.StartsAt.IsZero() {
		p.StartsAt = h.now()
	}
	if err := h.Promos.Create(r.Context(), p); err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger.Get().Info("promo created", zap.String("code", p.Code), zap.Float64("discount_pct", p.DiscountPct))
	writeJSON(w, http.StatusCreated, p)
}
