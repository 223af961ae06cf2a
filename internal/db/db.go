package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	"go.uber.org/zap"
	"jetpredict-app/internal/config"
	"jetpredict-app/internal/logger"
)

// Repository implements every relational store of the app on one connection
type Repository struct {
	db *sqlx.DB
}

// Init opens the configured database and creates the tables
func Init(cfg config.DatabaseConfig) (*Repository, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = sqlx.Open("postgres", cfg.URL)
	case "libsql", "":
		var raw *sql.DB
		raw, err = sql.Open("libsql", libsqlDSN(cfg.URL, cfg.AuthToken))
		if err == nil {
			// libsql speaks the sqlite dialect, "?" placeholders included
			db = sqlx.NewDb(raw, "sqlite3")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repository{db: db}
	if err := r.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Get().Info("database ready", zap.String("driver", db.DriverName()))
	return r, nil
}

// New wraps an already open connection, tables included
func New(ctx context.Context, db *sqlx.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.createTables(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func libsqlDSN(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Columns only use types both sqlite and postgres understand. Times are unix
// seconds, booleans are 0/1 integers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		username TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		birth_date TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		favorite_game TEXT NOT NULL DEFAULT '',
		tipster_code TEXT NOT NULL DEFAULT '',
		referred_by TEXT NOT NULL DEFAULT '',
		online INTEGER NOT NULL DEFAULT 0,
		alerts_enabled INTEGER NOT NULL DEFAULT 1,
		sound_enabled INTEGER NOT NULL DEFAULT 1,
		vibration_enabled INTEGER NOT NULL DEFAULT 1,
		telegram_link_token TEXT NOT NULL DEFAULT '',
		telegram_chat_id BIGINT,
		trial_used INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (email)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_idx ON users (username)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_chat_idx ON users (telegram_chat_id)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		plan TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		started_at BIGINT NOT NULL,
		ends_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS promo_codes (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		plan TEXT NOT NULL DEFAULT '',
		discount_pct DOUBLE PRECISION NOT NULL,
		starts_at BIGINT NOT NULL DEFAULT 0,
		ends_at BIGINT NOT NULL DEFAULT 0,
		max_uses INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS promo_redemptions (
		promo_id TEXT NOT NULL REFERENCES promo_codes(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		redeemed_at BIGINT NOT NULL,
		PRIMARY KEY (promo_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS referral_entries (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		source_username TEXT NOT NULL,
		source_plan TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS referral_entries_referrer_idx ON referral_entries (referrer_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS predictions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		history TEXT NOT NULL,
		slots TEXT NOT NULL,
		saved_strategies TEXT NOT NULL DEFAULT '[]',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS predictions_lookup_idx ON predictions (user_id, risk_level, created_at)`,
}

func (r *Repository) createTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			logger.Get().Error("error creating tables", zap.Error(err), zap.String("stmt", firstLine(stmt)))
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// q rebinds "?" placeholders for the active driver
func (r *Repository) q(query string) string {
	return r.db.Rebind(query)
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
