package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"jetpredict-app/internal/models"
)

type promoRow struct {
	ID          string  `db:"id"`
	Code        string  `db:"code"`
	Plan        string  `db:"plan"`
	DiscountPct float64 `db:"discount_pct"`
	StartsAt    int64   `db:"starts_at"`
	EndsAt      int64   `db:"ends_at"`
	MaxUses     int     `db:"max_uses"`
	CreatedAt   int64   `db:"created_at"`
}

func (r *Repository) GetPromoByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	var row promoRow
	query := r.q(`SELECT id, code, plan, discount_pct, starts_at, ends_at, max_uses, created_at
		FROM promo_codes WHERE code = ?`)
	if err := r.db.GetContext(ctx, &row, query, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var redeemers []string
	if err := r.db.SelectContext(ctx, &redeemers,
		r.q(`SELECT user_id FROM promo_redemptions WHERE promo_id = ? ORDER BY redeemed_at`), row.ID); err != nil {
		return nil, err
	}

	p := &models.PromoCode{
		ID:          row.ID,
		Code:        row.Code,
		Plan:        models.PlanID(row.Plan),
		DiscountPct: row.DiscountPct,
		StartsAt:    fromUnix(row.StartsAt),
		EndsAt:      fromUnix(row.EndsAt),
		MaxUses:     row.MaxUses,
		RedeemedBy:  redeemers,
		CreatedAt:   fromUnix(row.CreatedAt),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Repository) CreatePromo(ctx context.Context, p *models.PromoCode) error {
	query := r.q(`INSERT INTO promo_codes (id, code, plan, discount_pct, starts_at, ends_at, max_uses, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Code, string(p.Plan), p.DiscountPct,
		unix(p.StartsAt), unix(p.EndsAt), p.MaxUses, unix(p.CreatedAt))
	return err
}

// AddRedeemer is idempotent per (promo, user). The usage cap is not
// re-checked here.
func (r *Repository) AddRedeemer(ctx context.Context, promoID, userID string) error {
	query := r.q(`INSERT INTO promo_redemptions (promo_id, user_id, redeemed_at)
		VALUES (?, ?, ?) ON CONFLICT (promo_id, user_id) DO NOTHING`)
	_, err := r.db.ExecContext(ctx, query, promoID, userID, time.Now().Unix())
	return err
}
