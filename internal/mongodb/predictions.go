package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"jetpredict-app/internal/logger"
	"jetpredict-app/internal/models"
)

func (c *Client) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.SavedStrategies == nil {
		p.SavedStrategies = []models.Strategy{}
	}
	if _, err := c.predictions().InsertOne(ctx, p); err != nil {
		return fmt.Errorf("error creating prediction: %w", err)
	}
	return nil
}

// LatestPrediction returns the newest document of the user and risk level
// created in [from, to), or nil
func (c *Client) LatestPrediction(ctx context.Context, userID string, risk models.RiskLevel, from, to time.Time) (*models.Prediction, error) {
	filter := bson.M{
		"userId":    userID,
		"riskLevel": risk,
		"createdAt": bson.M{"$gte": from, "$lt": to},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})

	var p models.Prediction
	if err := c.predictions().FindOne(ctx, filter, opts).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching prediction: %w", err)
	}
	return checked(&p)
}

func (c *Client) GetPrediction(ctx context.Context, id string) (*models.Prediction, error) {
	var p models.Prediction
	if err := c.predictions().FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching prediction: %w", err)
	}
	return checked(&p)
}

// AppendStrategy is a plain $push, duplicates per slot are possible
func (c *Client) AppendStrategy(ctx context.Context, id string, s models.Strategy) error {
	res, err := c.predictions().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$push": bson.M{"savedStrategies": s}})
	if err != nil {
		return fmt.Errorf("error saving strategy: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("prediction %s not found", id)
	}
	return nil
}

func (c *Client) ListPredictions(ctx context.Context, userID string, limit int) ([]models.Prediction, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := c.predictions().Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error fetching predictions: %w", err)
	}
	defer cursor.Close(ctx)

	predictions := []models.Prediction{}
	for cursor.Next(ctx) {
		var p models.Prediction
		if err := cursor.Decode(&p); err != nil {
			return nil, fmt.Errorf("error decoding prediction: %w", err)
		}
		if _, err := checked(&p); err != nil {
			logger.Get().Warn("skipping unreadable prediction", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		predictions = append(predictions, p)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return predictions, nil
}

// checked rejects documents written outside the app with unknown risk levels
// or malformed slot times
func checked(p *models.Prediction) (*models.Prediction, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.SavedStrategies == nil {
		p.SavedStrategies = []models.Strategy{}
	}
	return p, nil
}

// DeleteUserPredictions is used when an account is removed
func (c *Client) DeleteUserPredictions(ctx context.Context, userID string) error {
	if _, err := c.predictions().DeleteMany(ctx, bson.M{"userId": userID}); err != nil {
		return fmt.Errorf("error deleting predictions: %w", err)
	}
	return nil
}
