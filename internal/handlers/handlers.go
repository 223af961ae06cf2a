package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/config"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/middleware"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/plans"
	"jetpredict-app/internal/predictions"
	"jetpredict-app/internal/promo"
	"jetpredict-app/internal/referral"
)

// Notifier pushes messages to Telegram. A nil Notifier sends nothing.
type Notifier interface {
	NotifyAdmin(text string)
	NotifyUser(chatID int64, text string)
}

// Pinger is a dependency reported by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// PredictionPurger removes predictions kept outside the relational database
type PredictionPurger interface {
	DeleteUserPredictions(ctx context.Context, userID string) error
}

type Deps struct {
	Config      *config.Config
	Accounts    *accounts.Service
	Plans       *plans.Service
	Predictions *predictions.Service
	Promos      *promo.Service
	Referrals   *referral.Service
	Notifier    Notifier
	Purger      PredictionPurger
	Health      map[string]Pinger
}

type Handler struct {
	Deps
	auth     *middleware.Auth
	upgrader websocket.Upgrader
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(d Deps) *Handler {
	return &Handler{
		Deps: d,
		auth: middleware.NewAuth(d.Config, d.Accounts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // the Mini App is served from Telegram's origin
			},
		},
		now: time.Now,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Routes mounts every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)
	r.Get("/api/plans", h.ListPlans)
	r.Post("/api/auth/register", h.Register)
	r.Post("/api/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.RequireUser)

		r.Post("/api/auth/logout", h.Logout)
		r.Get("/api/me", h.Me)
		r.Delete("/api/me", h.DeleteAccount)
		r.Patch("/api/me/profile", h.UpdateProfile)
		r.Put("/api/me/notifications", h.UpdateNotifications)
		r.Post("/api/me/password", h.ChangePassword)
		r.Post("/api/me/email", h.ChangeEmail)
		r.Post("/api/me/link-token", h.IssueLinkToken)
		r.Delete("/api/me/telegram", h.UnlinkTelegram)
		r.Post("/api/me/trial", h.GrantTrial)

		r.Post("/api/predictions", h.RequestPrediction)
		r.Get("/api/predictions", h.ListPredictions)
		r.Get("/api/predictions/fresh", h.FreshPrediction)
		r.Post("/api/predictions/{id}/strategies", h.RequestStrategy)
		r.Get("/api/predictions/{id}/countdown", h.Countdown)
		r.Get("/api/predictions/{id}/watch", h.WatchCountdown)

		r.Post("/api/promo/validate", h.ValidatePromo)
		r.Post("/api/checkout", h.Checkout)
		r.Get("/api/referrals", h.ReferralSummary)
		r.Get("/api/jetgame/round", h.JetGameRound)
		r.Get("/api/support", h.Support)
	})

	r.Get("/admin/login", h.AdminLogin)
	r.Group(func(r chi.Router) {
		r.Use(h.auth.TelegramAdminAuth)
		r.Get("/admin/users/search", h.AdminSearchUsers)
		r.Post("/admin/users/{id}/subscription", h.AdminConfirmSubscription)
		r.Post("/admin/promo", h.AdminCreatePromo)
	})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for name, p := range h.Health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{"status": http.StatusText(status), "checks": checks})
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	type planView struct {
		plans.Offer
		Entitlements plans.Entitlements `json:"entitlements"`
	}
	var out []planView
	for _, o := range plans.Catalog() {
		ent := plans.Resolve(&models.Subscription{Plan: o.Plan, Active: true})
		out = append(out, planView{Offer: o, Entitlements: ent})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get().Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps domain errors to status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *plans.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":         err.Error(),
			"required_plan": string(denied.Required),
		})
		return
	case errors.Is(err, promo.ErrPromoInvalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, accounts.ErrInvalidCredentials),
		errors.Is(err, accounts.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, accounts.ErrReauthentication):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, accounts.ErrEmailTaken),
		errors.Is(err, accounts.ErrDuplicateUsername),
		errors.Is(err, plans.ErrTrialUsed),
		errors.Is(err, plans.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, predictions.ErrNotFound),
		errors.Is(err, predictions.ErrUnknownSlot):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, predictions.ErrInvalidHistory),
		errors.Is(err, predictions.ErrInvalidLocalTime),
		errors.Is(err, accounts.ErrInvalidEmail),
		errors.Is(err, accounts.ErrWeakPassword),
		errors.Is(err, accounts.ErrInvalidUsername),
		errors.Is(err, accounts.ErrUnknownField),
		errors.Is(err, accounts.ErrEmptyValue),
		errors.Is(err, accounts.ErrInvalidBirthDate),
		errors.Is(err, accounts.ErrInvalidLinkToken),
		errors.Is(err, promo.ErrBadDefinition),
		errors.Is(err, plans.ErrUnknownPlan):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, predictions.ErrPredictionEngine),
		errors.Is(err, predictions.ErrStrategyEngine):
		writeError(w, http.StatusBadGateway, "the prediction engine is unavailable, try again later")
	default:
		logger.Get().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) notifyAdmin(text string) {
	if h.Notifier != nil {
		h.Notifier.NotifyAdmin(text)
	}
}

func (h *Handler) notifyUser(chatID *int64, text string) {
	if h.Notifier != nil && chatID != nil {
		h.Notifier.NotifyUser(*chatID, text)
	}
}
