package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"jetpredict-app/internal/config"
	"jetpredict-app/internal/logger"
)

var PredictionCollection = "predictions"

type Client struct {
	client   *mongo.Client
	database string
}

// Connect opens the client and makes sure the lookup index exists
func Connect(ctx context.Context, cfg config.MongoConfig) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("MONGO_URI environment variable not set")
	}

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(cfg.URI).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(opts)
	if err != nil {
		logger.Get().Error("failed to connect to MongoDB", zap.Error(err))
		return nil, fmt.Errorf("error connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("error pinging MongoDB: %w", err)
	}

	c := &Client{client: client, database: cfg.Database}
	index := mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "riskLevel", Value: 1}, {Key: "createdAt", Value: -1}},
	}
	if _, err := c.predictions().Indexes().CreateOne(ctx, index); err != nil {
		logger.Get().Warn("could not create prediction index", zap.Error(err))
	}

	logger.Get().Info("successfully connected to MongoDB", zap.String("database", cfg.Database))
	return c, nil
}

func (c *Client) predictions() *mongo.Collection {
	return c.client.Database(c.database).Collection(PredictionCollection)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

func (c *Client) Close(ctx context.Context) {
	if err := c.client.Disconnect(ctx); err != nil {
		logger.Get().Error("failed to disconnect from MongoDB", zap.Error(err))
		return
	}
	logger.Get().Info("successfully disconnected from MongoDB")
}
