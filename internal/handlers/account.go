package handlers

import (
	"net/http"

	"go.uber.org/zap"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/middleware"
	"jetpredict-app/internal/models"
)

type credentials struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	FirstName  string `json:"first_name"`
	ReferredBy string `json:"referred_by"`
}

type sessionResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (h *Handler) issueSession(w http.ResponseWriter, r *http.Request, status int, u *models.User) {
	token, err := accounts.IssueToken(h.Config.Auth.JWTSecret, u.ID, u.Email, h.Config.Auth.TokenTTL, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, sessionResponse{Token: token, User: u})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Accounts.Register(r.Context(), accounts.RegisterInput{
		Email:      req.Email,
		Password:   req.Password,
		FirstName:  req.FirstName,
		ReferredBy: req.ReferredBy,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger.Get().Info("user registered", zap.String("user_id", u.ID), zap.String("username", u.Username))
	h.issueSession(w, r, http.StatusCreated, u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.issueSession(w, r, http.StatusOK, u)
}

// Logout only flips the presence flag; tokens expire on their own
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	if err := h.Accounts.SetOnline(r.Context(), u, false); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	sub, ent, err := h.Plans.Current(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	var remaining int64
	if sub != nil {
		remaining = int64(sub.Remaining(h.now()).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":              u,
		"subscription":      sub,
		"remaining_seconds": remaining,
		"entitlements":      ent,
	})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req map[accounts.Field]string
	if !decode(w, r, &req) {
		return
	}
	updated, err := h.Accounts.UpdateProfile(r.Context(), u.ID, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) UpdateNotifications(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req struct {
		Alerts    bool `json:"alerts_enabled"`
		Sound     bool `json:"sound_enabled"`
		Vibration bool `json:"vibration_enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	updated, err := h.Accounts.UpdateNotifications(r.Context(), u.ID, req.Alerts, req.Sound, req.Vibration)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.Accounts.ChangePassword(r.Context(), u.ID, req.Current, req.New); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ChangeEmail(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req struct {
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.Accounts.ChangeEmail(r.Context(), u.ID, req.Password, req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req struct {
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.Accounts.Delete(r.Context(), u.ID, req.Password); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if h.Purger != nil {
		if err := h.Purger.DeleteUserPredictions(r.Context(), u.ID); err != nil {
			logger.Get().Error("failed to purge predictions", zap.String("user_id", u.ID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) IssueLinkToken(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	token, err := h.Accounts.IssueLinkToken(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":       token,
		"instruction": "Envoyez /link " + token + " au bot Telegram",
	})
}

func (h *Handler) UnlinkTelegram(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	if err := h.Accounts.UnlinkUser(r.Context(), u.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GrantTrial(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	sub, err := h.Plans.GrantTrial(r.Context(), u)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}
