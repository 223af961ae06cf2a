package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

// Relational fallback for predictions when MongoDB is not configured. The
// slot arrays are stored as JSON text.
type predictionRow struct {
	ID              string `db:"id"`
	UserID          string `db:"user_id"`
	RiskLevel       string `db:"risk_level"`
	History         string `db:"history"`
	Slots           string `db:"slots"`
	SavedStrategies string `db:"saved_strategies"`
	CreatedAt       int64  `db:"created_at"`
}

func (row *predictionRow) model() (*models.Prediction, error) {
	p := &models.Prediction{
		ID:        row.ID,
		UserID:    row.UserID,
		RiskLevel: models.RiskLevel(row.RiskLevel),
		CreatedAt: fromUnix(row.CreatedAt),
	}
	if err := json.Unmarshal([]byte(row.History), &p.History); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.Slots), &p.Slots); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.SavedStrategies), &p.SavedStrategies); err != nil {
		return nil, err
	}
	if p.SavedStrategies == nil {
		p.SavedStrategies = []models.Strategy{}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

const predictionColumns = `id, user_id, risk_level, history, slots, saved_strategies, created_at`

func (r *Repository) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	if err := p.Validate(); err != nil {
		return err
	}
	history, err := json.Marshal(p.History)
	if err != nil {
		return err
	}
	slots, err := json.Marshal(p.Slots)
	if err != nil {
		return err
	}
	strategies := p.SavedStrategies
	if strategies == nil {
		strategies = []models.Strategy{}
	}
	saved, err := json.Marshal(strategies)
	if err != nil {
		return err
	}

	query := r.q(`INSERT INTO predictions (` + predictionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.UserID, string(p.RiskLevel), string(history), string(slots), string(saved), unix(p.CreatedAt))
	return err
}

// LatestPrediction returns the newest prediction created in [from, to)
func (r *Repository) LatestPrediction(ctx context.Context, userID string, risk models.RiskLevel, from, to time.Time) (*models.Prediction, error) {
	query := r.q(`SELECT ` + predictionColumns + ` FROM predictions
		WHERE user_id = ? AND risk_level = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC LIMIT 1`)
	var row predictionRow
	if err := r.db.GetContext(ctx, &row, query, userID, string(risk), from.Unix(), to.Unix()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.model()
}

func (r *Repository) GetPrediction(ctx context.Context, id string) (*models.Prediction, error) {
	query := r.q(`SELECT ` + predictionColumns + ` FROM predictions WHERE id = ?`)
	var row predictionRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.model()
}

// AppendStrategy pushes s onto the saved list. Like a document $push it does
// not check for an existing entry of the same slot.
func (r *Repository) AppendStrategy(ctx context.Context, id string, s models.Strategy) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.GetContext(ctx, &raw, r.q(`SELECT saved_strategies FROM predictions WHERE id = ?`), id); err != nil {
		return err
	}
	var saved []models.Strategy
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return err
	}
	out, err := json.Marshal(append(saved, s))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.q(`UPDATE predictions SET saved_strategies = ? WHERE id = ?`), string(out), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) ListPredictions(ctx context.Context, userID string, limit int) ([]models.Prediction, error) {
	query := r.q(`SELECT ` + predictionColumns + ` FROM predictions
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`)
	var rows []predictionRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, err
	}
	out := make([]models.Prediction, 0, len(rows))
	for i := range rows {
		p, err := rows[i].model()
		if err != nil {
			logger.Get().Warn("skipping unreadable prediction", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}
