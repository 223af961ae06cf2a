package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
)

var (
	ErrInitDataMissing = errors.New("telegram init data missing")
	ErrInitDataInvalid = errors.New("telegram init data invalid")
	ErrInitDataExpired = errors.New("telegram init data expired")
)

// InitDataMaxAge bounds how old a Mini App launch may be
const InitDataMaxAge = 24 * time.Hour

type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// TelegramAdminAuth lets admins in with BasicAuth, or with the initData of a
// Telegram account listed in the admin ids
func (a *Auth) TelegramAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.checkBasicAuth(r) {
			next.ServeHTTP(w, r)
			return
		}

		if initData := initDataFrom(r); initData != "" {
			user, err := ValidateInitData(a.botToken, initData, time.Now())
			if err == nil {
				if a.isAdmin(user.ID) {
					logger.Get().Info("telegram admin authenticated",
						zap.String("first_name", user.FirstName),
						zap.Int64("telegram_id", user.ID))
					next.ServeHTTP(w, r)
					return
				}
				logger.Get().Warn("telegram user is not an admin", zap.Int64("telegram_id", user.ID))
			} else {
				logger.Get().Warn("invalid admin init data", zap.Error(err))
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="Jet Predict Admin"`)
		writeError(w, http.StatusUnauthorized, "access denied")
	})
}

// initDataFrom reads initData from the header, the query, or the cookie set
// by the Mini App
func initDataFrom(r *http.Request) string {
	if v := r.Header.Get("X-Telegram-Init-Data"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("tg_init_data"); v != "" {
		return v
	}
	if cookie, err := r.Cookie("tg_init_data"); err == nil {
		if decoded, err := url.QueryUnescape(cookie.Value); err == nil {
			return decoded
		}
	}
	return ""
}

func (a *Auth) checkBasicAuth(r *http.Request) bool {
	if a.adminPassword == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	payload, err := base64.StdEncoding.DecodeString(auth[6:])
	if err != nil {
		return false
	}
	pair := strings.SplitN(string(payload), ":", 2)
	if len(pair) != 2 {
		return false
	}
	return pair[0] == "admin" && subtle.ConstantTimeCompare([]byte(pair[1]), []byte(a.adminPassword)) == 1
}

// ValidateInitData checks the Mini App signature: the data-check-string of
// the sorted fields, HMAC'd with HMAC("WebAppData", botToken)
func ValidateInitData(botToken, initData string, now time.Time) (*TelegramUser, error) {
	if botToken == "" || initData == "" {
		return nil, ErrInitDataMissing
	}
	params, err := url.ParseQuery(initData)
	if err != nil {
		return nil, ErrInitDataInvalid
	}
	hash := params.Get("hash")
	if hash == "" {
		return nil, ErrInitDataInvalid
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}

	if !hmac.Equal([]byte(signInitData(botToken, strings.Join(parts, "\n"))), []byte(hash)) {
		return nil, ErrInitDataInvalid
	}

	if authDate, err := strconv.ParseInt(params.Get("auth_date"), 10, 64); err == nil {
		if now.Sub(time.Unix(authDate, 0)) > InitDataMaxAge {
			return nil, ErrInitDataExpired
		}
	}

	userJSON := params.Get("user")
	if userJSON == "" {
		return nil, ErrInitDataInvalid
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil || user.ID == 0 {
		return nil, ErrInitDataInvalid
	}
	return &user, nil
}

func signInitData(botToken, dataCheckString string) string {
	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(botToken))

	h := hmac.New(sha256.New, secretKey.Sum(nil))
	h.Write([]byte(dataCheckString))
	return hex.EncodeToString(h.Sum(nil))
}

func (a *Auth) isAdmin(userID int64) bool {
	for _, id := range a.adminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
