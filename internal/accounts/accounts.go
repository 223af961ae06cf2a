package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must contain at least %d characters", MinPasswordLength)
	ErrEmailTaken         = errors.New("email already registered")
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvalidUsername    = errors.New("username must be 3 to 20 letters, digits or underscores")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrReauthentication   = errors.New("current password is incorrect")
	ErrInvalidLinkToken   = errors.New("invalid or expired link token")
	ErrUnknownField       = errors.New("unknown profile field")
	ErrEmptyValue         = errors.New("value cannot be empty")
	ErrInvalidBirthDate   = errors.New("birth date must be YYYY-MM-DD")
)

const MinPasswordLength = 6

var (
	emailRe    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
)

// Store is the user persistence. Lookups return (nil, nil) when nothing
// matches.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error)
	GetUserByLinkToken(ctx context.Context, token string) (*models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	DeleteUser(ctx context.Context, id string) error
	SearchUsers(ctx context.Context, q string, limit int) ([]models.User, error)
}

type Service struct {
	store    Store
	hashCost int
	now      func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, hashCost: bcrypt.DefaultCost, now: time.Now}
}

// SetHashCost lowers the bcrypt cost, for tests
func (s *Service) SetHashCost(cost int) {
	s.hashCost = cost
}

func ValidateEmail(email string) error {
	if !emailRe.MatchString(strings.TrimSpace(email)) {
		return ErrInvalidEmail
	}
	return nil
}

func ValidatePassword(pw string) error {
	if len([]rune(pw)) < MinPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword hashes pw with the service cost
func (s *Service) HashPassword(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), s.hashCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// MatchPassword compares a clear password with a hash
func MatchPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

type RegisterInput struct {
	Email        string
	Password     string
	PasswordHash string // set instead of Password when the caller already hashed it
	FirstName    string
	ReferredBy   string // referrer's username
	ChatID       *int64
}

// Register creates an account with a generated unique username
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email := NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	hash := in.PasswordHash
	if hash == "" {
		if err := ValidatePassword(in.Password); err != nil {
			return nil, err
		}
		var err error
		if hash, err = s.HashPassword(in.Password); err != nil {
			return nil, err
		}
	}

	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	username, err := s.freeUsername(ctx, email)
	if err != nil {
		return nil, err
	}

	referredBy := ""
	if code := strings.ToLower(strings.TrimSpace(in.ReferredBy)); code != "" {
		if ref, err := s.store.GetUserByUsername(ctx, code); err == nil && ref != nil {
			referredBy = ref.Username
		}
	}

	now := s.now()
	u := &models.User{
		ID:               uuid.NewString(),
		Email:            email,
		Username:         username,
		PasswordHash:     hash,
		FirstName:        strings.TrimSpace(in.FirstName),
		ReferredBy:       referredBy,
		Online:           true,
		AlertsEnabled:    true,
		SoundEnabled:     true,
		VibrationEnabled: true,
		TelegramChatID:   in.ChatID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if in.ChatID != nil {
		if err := s.releaseChat(ctx, *in.ChatID, u.ID); err != nil {
			return nil, err
		}
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	logger.Get().Info("user registered",
		zap.String("user_id", u.ID),
		zap.String("username", u.Username),
		zap.Bool("telegram", in.ChatID != nil))
	return u, nil
}

// freeUsername derives a referral-friendly username from the email
func (s *Service) freeUsername(ctx context.Context, email string) (string, error) {
	local := strings.SplitN(email, "@", 2)[0]
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return -1
	}, local)
	if len(base) < 3 {
		base = "joueur"
	}
	if len(base) > 14 {
		base = base[:14]
	}

	candidate := base
	for i := 0; i < 10; i++ {
		u, err := s.store.GetUserByUsername(ctx, candidate)
		if err != nil {
			return "", err
		}
		if u == nil {
			return candidate, nil
		}
		candidate = base + strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	}
	return "", errors.New("could not find a free username")
}

// EmailTaken reports whether an account already uses email
func (s *Service) EmailTaken(ctx context.Context, email string) (bool, error) {
	u, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

// Authenticate checks credentials and marks the user online
func (s *Service) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	u, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if u == nil || !MatchPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if err := s.SetOnline(ctx, u, true); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

// ByChat returns the account bound to a Telegram chat
func (s *Service) ByChat(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := s.store.GetUserByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

// VerifyPassword is the re-authentication step before sensitive changes
func (s *Service) VerifyPassword(u *models.User, password string) error {
	if !MatchPassword(u.PasswordHash, password) {
		return ErrReauthentication
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.VerifyPassword(u, current); err != nil {
		return err
	}
	return s.SetPassword(ctx, u, next)
}

// SetPassword stores a new password for an already re-authenticated user
func (s *Service) SetPassword(ctx context.Context, u *models.User, next string) error {
	if err := ValidatePassword(next); err != nil {
		return err
	}
	hash, err := s.HashPassword(next)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return s.save(ctx, u)
}

func (s *Service) ChangeEmail(ctx context.Context, userID, password, email string) error {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.VerifyPassword(u, password); err != nil {
		return err
	}
	return s.SetEmail(ctx, u, email)
}

// SetEmail stores a new email for an already re-authenticated user
func (s *Service) SetEmail(ctx context.Context, u *models.User, email string) error {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}
	other, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if other != nil && other.ID != u.ID {
		return ErrEmailTaken
	}
	u.Email = email
	return s.save(ctx, u)
}

// Field is an editable profile attribute
type Field string

const (
	FieldFirstName    Field = "first_name"
	FieldLastName     Field = "last_name"
	FieldUsername     Field = "username"
	FieldPhone        Field = "phone"
	FieldFavoriteGame Field = "favorite_game"
	FieldTipsterCode  Field = "tipster_code"
	FieldGender       Field = "gender"
	FieldBirthDate    Field = "birth_date"
)

// UpdateProfile applies several field edits in one write
func (s *Service) UpdateProfile(ctx context.Context, userID string, changes map[Field]string) (*models.User, error) {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	for f, v := range changes {
		if err := s.apply(ctx, u, f, strings.TrimSpace(v)); err != nil {
			return nil, err
		}
	}
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateField is a single edit, as done by the bot one-shot steps
func (s *Service) UpdateField(ctx context.Context, userID string, f Field, value string) (*models.User, error) {
	return s.UpdateProfile(ctx, userID, map[Field]string{f: value})
}

func (s *Service) apply(ctx context.Context, u *models.User, f Field, v string) error {
	if v == "" && (f == FieldUsername || f == FieldFirstName) {
		return ErrEmptyValue
	}
	switch f {
	case FieldFirstName:
		u.FirstName = v
	case FieldLastName:
		u.LastName = v
	case FieldPhone:
		u.Phone = v
	case FieldFavoriteGame:
		u.FavoriteGame = v
	case FieldTipsterCode:
		u.TipsterCode = strings.ToUpper(v)
	case FieldGender:
		u.Gender = v
	case FieldBirthDate:
		if v != "" {
			if _, err := time.Parse("2006-01-02", v); err != nil {
				return ErrInvalidBirthDate
			}
		}
		u.BirthDate = v
	case FieldUsername:
		if !usernameRe.MatchString(v) {
			return ErrInvalidUsername
		}
		v = strings.ToLower(v)
		if v == u.Username {
			return nil
		}
		other, err := s.store.GetUserByUsername(ctx, v)
		if err != nil {
			return err
		}
		if other != nil && other.ID != u.ID {
			return ErrDuplicateUsername
		}
		u.Username = v
	default:
		return ErrUnknownField
	}
	return nil
}

func (s *Service) UpdateNotifications(ctx context.Context, userID string, alerts, sound, vibration bool) (*models.User, error) {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.AlertsEnabled, u.SoundEnabled, u.VibrationEnabled = alerts, sound, vibration
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) SetOnline(ctx context.Context, u *models.User, online bool) error {
	if u.Online == online {
		return nil
	}
	u.Online = online
	return s.save(ctx, u)
}

// IssueLinkToken creates the short code a user types in the bot to bind
// their Telegram chat to the account
func (s *Service) IssueLinkToken(ctx context.Context, userID string) (string, error) {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	u.TelegramLinkToken = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	if err := s.save(ctx, u); err != nil {
		return "", err
	}
	return u.TelegramLinkToken, nil
}

// LinkChat binds chatID to the account owning token. A chat can only be bound
// to one account, so a previous binding is released.
func (s *Service) LinkChat(ctx context.Context, token string, chatID int64) (*models.User, error) {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return nil, ErrInvalidLinkToken
	}
	u, err := s.store.GetUserByLinkToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidLinkToken
	}
	if err := s.releaseChat(ctx, chatID, u.ID); err != nil {
		return nil, err
	}
	u.TelegramChatID = &chatID
	u.TelegramLinkToken = ""
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	logger.Get().Info("telegram chat linked", zap.String("user_id", u.ID), zap.Int64("chat_id", chatID))
	return u, nil
}

func (s *Service) releaseChat(ctx context.Context, chatID int64, keepID string) error {
	prev, err := s.store.GetUserByChatID(ctx, chatID)
	if err != nil {
		return err
	}
	if prev == nil || prev.ID == keepID {
		return nil
	}
	prev.TelegramChatID = nil
	return s.save(ctx, prev)
}

// UnlinkChat removes the Telegram binding of a chat
func (s *Service) UnlinkChat(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := s.ByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	u.TelegramChatID = nil
	if err := s.save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UnlinkUser removes the Telegram binding of an account
func (s *Service) UnlinkUser(ctx context.Context, userID string) error {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	u.TelegramChatID = nil
	return s.save(ctx, u)
}

// Delete removes the account after re-authentication
func (s *Service) Delete(ctx context.Context, userID, password string) error {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.VerifyPassword(u, password); err != nil {
		return err
	}
	logger.Get().Info("user deleted", zap.String("user_id", userID))
	return s.store.DeleteUser(ctx, userID)
}

func (s *Service) Search(ctx context.Context, q string) ([]models.User, error) {
	if len(strings.TrimSpace(q)) < 2 {
		return []models.User{}, nil
	}
	return s.store.SearchUsers(ctx, strings.TrimSpace(q), 5)
}

func (s *Service) save(ctx context.Context, u *models.User) error {
	u.UpdatedAt = s.now()
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}
