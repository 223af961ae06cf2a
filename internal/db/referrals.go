package db

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"jetpredict-app/internal/models"
)

type referralRow struct {
	ID             string `db:"id"`
	ReferrerID     string `db:"referrer_id"`
	Amount         string `db:"amount"`
	SourceUsername string `db:"source_username"`
	SourcePlan     string `db:"source_plan"`
	CreatedAt      int64  `db:"created_at"`
}

func (r *Repository) AppendReferralEntry(ctx context.Context, e *models.ReferralEntry) error {
	query := r.q(`INSERT INTO referral_entries (id, referrer_id, amount, source_username, source_plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.ReferrerID, e.Amount.String(), e.SourceUsername, string(e.SourcePlan), unix(e.CreatedAt))
	return err
}

func (r *Repository) ListReferralEntries(ctx context.Context, referrerID string) ([]models.ReferralEntry, error) {
	query := r.q(`SELECT id, referrer_id, amount, source_username, source_plan, created_at
		FROM referral_entries WHERE referrer_id = ? ORDER BY created_at DESC`)
	var rows []referralRow
	if err := r.db.SelectContext(ctx, &rows, query, referrerID); err != nil {
		return nil, err
	}

	entries := make([]models.ReferralEntry, 0, len(rows))
	for _, row := range rows {
		amount, err := decimal.NewFromString(row.Amount)
		if err != nil {
			return nil, fmt.Errorf("referral entry %s: bad amount %q: %w", row.ID, row.Amount, err)
		}
		entries = append(entries, models.ReferralEntry{
			ID:             row.ID,
			ReferrerID:     row.ReferrerID,
			Amount:         amount,
			SourceUsername: row.SourceUsername,
			SourcePlan:     models.PlanID(row.SourcePlan),
			CreatedAt:      fromUnix(row.CreatedAt),
		})
	}
	return entries, nil
}
