package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

type subscriptionRow struct {
	UserID    string `db:"user_id"`
	Plan      string `db:"plan"`
	Active    bool   `db:"active"`
	StartedAt int64  `db:"started_at"`
	EndsAt    int64  `db:"ends_at"`
}

func (row *subscriptionRow) model() (models.Subscription, error) {
	sub := models.Subscription{
		UserID:    row.UserID,
		Plan:      models.PlanID(row.Plan),
		Active:    row.Active,
		StartedAt: fromUnix(row.StartedAt),
		EndsAt:    fromUnix(row.EndsAt),
	}
	return sub, sub.Validate()
}

func (r *Repository) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var row subscriptionRow
	query := r.q(`SELECT user_id, plan, active, started_at, ends_at FROM subscriptions WHERE user_id = ?`)
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sub, err := row.model()
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SaveSubscription replaces the single subscription record of a user
func (r *Repository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	query := r.q(`INSERT INTO subscriptions (user_id, plan, active, started_at, ends_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			plan = excluded.plan,
			active = excluded.active,
			started_at = excluded.started_at,
			ends_at = excluded.ends_at`)
	_, err := r.db.ExecContext(ctx, query,
		sub.UserID, string(sub.Plan), b2i(sub.Active), unix(sub.StartedAt), unix(sub.EndsAt))
	return err
}

func (r *Repository) DeactivateSubscription(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, r.q(`UPDATE subscriptions SET active = 0 WHERE user_id = ?`), userID)
	return err
}

func (r *Repository) ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	query := r.q(`SELECT user_id, plan, active, started_at, ends_at FROM subscriptions
		WHERE active = 1 AND ends_at > 0 AND ends_at < ?`)
	var rows []subscriptionRow
	if err := r.db.SelectContext(ctx, &rows, query, now.Unix()); err != nil {
		return nil, err
	}
	subs := make([]models.Subscription, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].model()
		if err != nil {
			logger.Get().Warn("skipping unreadable subscription", zap.String("user_id", rows[i].UserID), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
