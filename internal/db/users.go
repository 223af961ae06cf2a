package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"jetpredict-app/internal/models"
)

type userRow struct {
	ID                string        `db:"id"`
	Email             string        `db:"email"`
	Username          string        `db:"username"`
	PasswordHash      string        `db:"password_hash"`
	FirstName         string        `db:"first_name"`
	LastName          string        `db:"last_name"`
	Gender            string        `db:"gender"`
	BirthDate         string        `db:"birth_date"`
	Phone             string        `db:"phone"`
	FavoriteGame      string        `db:"favorite_game"`
	TipsterCode       string        `db:"tipster_code"`
	ReferredBy        string        `db:"referred_by"`
	Online            bool          `db:"online"`
	AlertsEnabled     bool          `db:"alerts_enabled"`
	SoundEnabled      bool          `db:"sound_enabled"`
	VibrationEnabled  bool          `db:"vibration_enabled"`
	TelegramLinkToken string        `db:"telegram_link_token"`
	TelegramChatID    sql.NullInt64 `db:"telegram_chat_id"`
	TrialUsed         bool          `db:"trial_used"`
	CreatedAt         int64         `db:"created_at"`
	UpdatedAt         int64         `db:"updated_at"`
}

func (row *userRow) model() *models.User {
	u := &models.User{
		ID:                row.ID,
		Email:             row.Email,
		Username:          row.Username,
		PasswordHash:      row.PasswordHash,
		FirstName:         row.FirstName,
		LastName:          row.LastName,
		Gender:            row.Gender,
		BirthDate:         row.BirthDate,
		Phone:             row.Phone,
		FavoriteGame:      row.FavoriteGame,
		TipsterCode:       row.TipsterCode,
		ReferredBy:        row.ReferredBy,
		Online:            row.Online,
		AlertsEnabled:     row.AlertsEnabled,
		SoundEnabled:      row.SoundEnabled,
		VibrationEnabled:  row.VibrationEnabled,
		TelegramLinkToken: row.TelegramLinkToken,
		TrialUsed:         row.TrialUsed,
		CreatedAt:         fromUnix(row.CreatedAt),
		UpdatedAt:         fromUnix(row.UpdatedAt),
	}
	if row.TelegramChatID.Valid {
		id := row.TelegramChatID.Int64
		u.TelegramChatID = &id
	}
	return u
}

func chatID(u *models.User) sql.NullInt64 {
	if u.TelegramChatID == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *u.TelegramChatID, Valid: true}
}

const userColumns = `id, email, username, password_hash, first_name, last_name, gender, birth_date,
	phone, favorite_game, tipster_code, referred_by, online, alerts_enabled, sound_enabled,
	vibration_enabled, telegram_link_token, telegram_chat_id, trial_used, created_at, updated_at`

func (r *Repository) CreateUser(ctx context.Context, u *models.User) error {
	query := r.q(`INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		u.ID, u.Email, u.Username, u.PasswordHash,
		u.FirstName, u.LastName, u.Gender, u.BirthDate,
		u.Phone, u.FavoriteGame, u.TipsterCode, u.ReferredBy,
		b2i(u.Online), b2i(u.AlertsEnabled), b2i(u.SoundEnabled), b2i(u.VibrationEnabled),
		u.TelegramLinkToken, chatID(u), b2i(u.TrialUsed),
		unix(u.CreatedAt), unix(u.UpdatedAt),
	)
	return err
}

func (r *Repository) UpdateUser(ctx context.Context, u *models.User) error {
	query := r.q(`UPDATE users SET
			email = ?, username = ?, password_hash = ?,
			first_name = ?, last_name = ?, gender = ?, birth_date = ?,
			phone = ?, favorite_game = ?, tipster_code = ?, referred_by = ?,
			online = ?, alerts_enabled = ?, sound_enabled = ?, vibration_enabled = ?,
			telegram_link_token = ?, telegram_chat_id = ?, trial_used = ?,
			updated_at = ?
		WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query,
		u.Email, u.Username, u.PasswordHash,
		u.FirstName, u.LastName, u.Gender, u.BirthDate,
		u.Phone, u.FavoriteGame, u.TipsterCode, u.ReferredBy,
		b2i(u.Online), b2i(u.AlertsEnabled), b2i(u.SoundEnabled), b2i(u.VibrationEnabled),
		u.TelegramLinkToken, chatID(u), b2i(u.TrialUsed),
		unix(u.UpdatedAt), u.ID,
	)
	return err
}

func (r *Repository) getUserBy(ctx context.Context, column string, value interface{}) (*models.User, error) {
	var row userRow
	query := r.q(`SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = ?`)
	if err := r.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.model(), nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	return r.getUserBy(ctx, "id", id)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getUserBy(ctx, "email", strings.ToLower(email))
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getUserBy(ctx, "username", strings.ToLower(username))
}

func (r *Repository) GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	return r.getUserBy(ctx, "telegram_chat_id", chatID)
}

func (r *Repository) GetUserByLinkToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, nil
	}
	return r.getUserBy(ctx, "telegram_link_token", token)
}

func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM subscriptions WHERE user_id = ?`,
		`DELETE FROM predictions WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, r.q(query), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SearchUsers matches id exactly, or email and username by substring
func (r *Repository) SearchUsers(ctx context.Context, q string, limit int) ([]models.User, error) {
	like := "%" + strings.ToLower(q) + "%"
	query := r.q(`SELECT ` + userColumns + ` FROM users
		WHERE id = ? OR email LIKE ? OR username LIKE ?
		ORDER BY created_at DESC LIMIT ?`)
	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, query, q, like, like, limit); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(rows))
	for i := range rows {
		users = append(users, *rows[i].model())
	}
	return users, nil
}

func (r *Repository) MarkTrialUsed(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE users SET trial_used = 1 WHERE id = ?`), userID)
	return err
}
