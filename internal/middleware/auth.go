package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"jetpredict-app/internal/accounts"
	"jetpredict-app/internal/config"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

type contextKey string

const userKey contextKey = "user"

// Users resolves the account behind a token or a Telegram chat
type Users interface {
	Get(ctx context.Context, id string) (*models.User, error)
	ByChat(ctx context.Context, chatID int64) (*models.User, error)
}

type Auth struct {
	users         Users
	jwtSecret     string
	botToken      string
	adminIDs      []int64
	adminPassword string
}

func NewAuth(cfg *config.Config, users Users) *Auth {
	return &Auth{
		users:         users,
		jwtSecret:     cfg.Auth.JWTSecret,
		botToken:      cfg.Telegram.Token,
		adminIDs:      cfg.Telegram.AdminIDs,
		adminPassword: cfg.Auth.AdminPassword,
	}
}

// RequireUser authenticates a web session (Bearer JWT) or a Mini App launch
// whose Telegram chat is linked to an account
func (a *Auth) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.authenticate(r)
		if err != nil {
			logger.Get().Debug("request not authenticated",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (a *Auth) authenticate(r *http.Request) (*models.User, error) {
	if token := extractToken(r); token != "" {
		claims, err := accounts.ParseToken(a.jwtSecret, token)
		if err != nil {
			return nil, err
		}
		return a.users.Get(r.Context(), claims.Subject)
	}

	initData := initDataFrom(r)
	if initData == "" {
		return nil, errors.New("missing credentials")
	}
	tgUser, err := ValidateInitData(a.botToken, initData, time.Now())
	if err != nil {
		return nil, err
	}
	// private chats share the id of the Telegram user
	return a.users.ByChat(r.Context(), tgUser.ID)
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFrom returns the account set by RequireUser
func UserFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok && u != nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
