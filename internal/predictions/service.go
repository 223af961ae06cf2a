package predictions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"jetpredict-app/internal/engine"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/retry"
)

var (
	ErrInvalidHistory   = errors.New("history contains no valid multiplier")
	ErrPredictionEngine = errors.New("prediction engine failed")
	ErrStrategyEngine   = errors.New("strategy engine failed")
	ErrNotFound         = errors.New("prediction not found")
	ErrUnknownSlot      = errors.New("slot not part of the prediction")
	ErrInvalidLocalTime = errors.New("local time must be HH:MM")
)

const (
	GameName         = "Lucky Jet"
	DefaultGameState = "Analyse des derniers tours saisis par le joueur"
)

// Store persists prediction documents. Lookups return (nil, nil) when nothing
// matches.
type Store interface {
	CreatePrediction(ctx context.Context, p *models.Prediction) error
	LatestPrediction(ctx context.Context, userID string, risk models.RiskLevel, from, to time.Time) (*models.Prediction, error)
	GetPrediction(ctx context.Context, id string) (*models.Prediction, error)
	AppendStrategy(ctx context.Context, id string, s models.Strategy) error
	ListPredictions(ctx context.Context, userID string, limit int) ([]models.Prediction, error)
}

// Engine computes predictions and strategy narratives
type Engine interface {
	Predict(ctx context.Context, req engine.PredictionRequest) ([]models.Slot, error)
	Strategy(ctx context.Context, req engine.StrategyRequest) (*engine.StrategyResponse, error)
}

// Gate checks plan entitlements before any engine call
type Gate interface {
	RequireRisk(ctx context.Context, userID string, r models.RiskLevel) error
	RequirePremium(ctx context.Context, userID string) error
}

type Service struct {
	store  Store
	engine Engine
	gate   Gate
	retry  retry.Policy
	loc    *time.Location
	now    func() time.Time
}

func NewService(store Store, eng Engine, gate Gate, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:  store,
		engine: eng,
		gate:   gate,
		retry:  retry.Overload(func(err error) bool { return errors.Is(err, engine.ErrOverloaded) }),
		loc:    loc,
		now:    time.Now,
	}
}

// SetRetry replaces the retry policy, for tests
func (s *Service) SetRetry(p retry.Policy) {
	s.retry = p
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Location is the zone that anchors day buckets and slot times
func (s *Service) Location() *time.Location {
	return s.loc
}

// Input is a prediction request as typed by the user
type Input struct {
	UserID    string
	RiskLevel models.RiskLevel
	History   string
	GameState string
	LocalTime string // HH:MM on the caller's clock, empty for the server clock
}

// FindFresh returns the newest prediction of the day for (user, risk level)
func (s *Service) FindFresh(ctx context.Context, userID string, risk models.RiskLevel, day time.Time) (*models.Prediction, error) {
	y, m, d := day.In(s.loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	return s.store.LatestPrediction(ctx, userID, risk, start, start.AddDate(0, 0, 1))
}

var localTimeRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Request asks the engine for a new prediction and stores it. It never
// reuses nor mutates an existing record.
func (s *Service) Request(ctx context.Context, in Input) (*models.Prediction, error) {
	history, err := ParseHistory(in.History)
	if err != nil {
		return nil, err
	}

	now := s.now().In(s.loc)
	localTime := in.LocalTime
	if localTime == "" {
		localTime = now.Format("15:04")
	} else if !localTimeRe.MatchString(localTime) {
		return nil, ErrInvalidLocalTime
	}
	gameState := in.GameState
	if gameState == "" {
		gameState = DefaultGameState
	}

	req := engine.PredictionRequest{
		UserID:    in.UserID,
		GameName:  GameName,
		GameData:  history,
		RiskLevel: string(in.RiskLevel),
		GameState: gameState,
		UserTime:  localTime,
	}

	var slots []models.Slot
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		slots, callErr = s.engine.Predict(ctx, req)
		return callErr
	})
	if err != nil {
		logger.Get().Warn("prediction engine failed",
			zap.String("user_id", in.UserID),
			zap.String("risk_level", string(in.RiskLevel)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPredictionEngine, err)
	}

	p := &models.Prediction{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		RiskLevel:       in.RiskLevel,
		History:         history,
		Slots:           slots,
		SavedStrategies: []models.Strategy{},
		CreatedAt:       now,
	}
	if err := p.Validate(); err != nil {
		logger.Get().Warn("prediction engine returned malformed slots", zap.String("user_id", in.UserID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPredictionEngine, err)
	}
	if err := s.store.CreatePrediction(ctx, p); err != nil {
		return nil, fmt.Errorf("save prediction: %w", err)
	}

	logger.Get().Info("prediction created",
		zap.String("prediction_id", p.ID),
		zap.String("user_id", in.UserID),
		zap.Int("slots", len(slots)),
		zap.Int("attempts", attempts))
	return p, nil
}

// Obtain gates the risk level, reuses today's prediction when there is one
// and only then asks the engine. The bool reports a cache hit.
func (s *Service) Obtain(ctx context.Context, in Input) (*models.Prediction, bool, error) {
	if err := s.gate.RequireRisk(ctx, in.UserID, in.RiskLevel); err != nil {
		return nil, false, err
	}

	fresh, err := s.FindFresh(ctx, in.UserID, in.RiskLevel, s.now())
	if err != nil {
		return nil, false, fmt.Errorf("lookup fresh prediction: %w", err)
	}
	if fresh != nil {
		return fresh, true, nil
	}

	p, err := s.Request(ctx, in)
	return p, false, err
}

// Get returns a prediction owned by userID
func (s *Service) Get(ctx context.Context, userID, id string) (*models.Prediction, error) {
	p, err := s.store.GetPrediction(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || p.UserID != userID {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]models.Prediction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListPredictions(ctx, userID, limit)
}

// RequestStrategy returns the saved strategy of a slot, or fetches one from
// the engine and appends it to the prediction. The bool reports a cache hit.
func (s *Service) RequestStrategy(ctx context.Context, predictionID, slot string, value float64, risk models.RiskLevel) (*models.Strategy, bool, error) {
	parent, err := s.store.GetPrediction(ctx, predictionID)
	if err != nil {
		return nil, false, err
	}
	if parent == nil {
		return nil, false, ErrNotFound
	}
	if saved, ok := parent.StrategyFor(slot); ok {
		return saved, true, nil
	}

	req := engine.StrategyRequest{RiskTolerance: string(risk), PredictedCrashPoint: value}
	var resp *engine.StrategyResponse
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = s.engine.Strategy(ctx, req)
		return callErr
	})
	if err != nil {
		logger.Get().Warn("strategy engine failed",
			zap.String("prediction_id", predictionID),
			zap.String("slot", slot),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return nil, false, fmt.Errorf("%w: %v", ErrStrategyEngine, err)
	}

	strategy := models.Strategy{
		Time:         slot,
		Conservative: resp.ConservativeStrategy,
		Aggressive:   resp.AggressiveStrategy,
	}
	if err := s.store.AppendStrategy(ctx, predictionID, strategy); err != nil {
		return nil, false, fmt.Errorf("save strategy: %w", err)
	}
	return &strategy, false, nil
}

// ObtainStrategy is RequestStrategy behind the ownership and premium checks,
// with the predicted value read from the stored slot.
func (s *Service) ObtainStrategy(ctx context.Context, userID, predictionID, slot string) (*models.Strategy, bool, error) {
	if err := s.gate.RequirePremium(ctx, userID); err != nil {
		return nil, false, err
	}
	p, err := s.Get(ctx, userID, predictionID)
	if err != nil {
		return nil, false, err
	}
	sl, ok := p.SlotAt(slot)
	if !ok {
		return nil, false, ErrUnknownSlot
	}
	return s.RequestStrategy(ctx, predictionID, slot, sl.CrashPoint, p.RiskLevel)
}
