package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/blavejr/birdRAG/config"
	"github.com/blavejr/birdRAG/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoStore archives generated answers in MongoDB
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

func NewMongoStore(cfg *config.Config, logger *zap.Logger) (*MongoStore, error) {
	return newMongoStore(cfg, options.Client().ApplyURI(cfg.MongoURI), logger)
}

func newMongoStore(cfg *config.Config, opts *options.ClientOptions, logger *zap.Logger) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// ctx may already be spent by the ping
		disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDisconnect()
		if derr := client.Disconnect(disconnectCtx); derr != nil {
			logger.Warn("failed to disconnect after ping failure", zap.Error(derr))
		}
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection)

	logger.Info("connected to MongoDB",
		zap.String("database", cfg.MongoDatabase),
		zap.String("collection", cfg.MongoCollection))

	return &MongoStore{
		client:     client,
		collection: collection,
		logger:     logger,
	}, nil
}

func newMongoStoreWithCollection(collection *mongo.Collection, logger *zap.Logger) *MongoStore {
	return &MongoStore{
		collection: collection,
		logger:     logger,
	}
}

func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// create the listing index if it doesn't exist
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "mode", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("mode_created_at"),
	}

	if _, err := s.collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// insert one answer record
func (s *MongoStore) SaveAnswer(ctx context.Context, record models.AnswerRecord) error {
	if _, err := s.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to insert answer: %w", err)
	}
	s.logger.Debug("answer archived", zap.String("id", record.ID), zap.String("mode", record.Mode))
	return nil
}

// return the newest answers first, optionally for one mode only
func (s *MongoStore) ListAnswers(ctx context.Context, mode string, limit int) ([]models.AnswerRecord, error) {
	filter := bson.M{}
	if mode != "" {
		filter["mode"] = mode
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find answers: %w", err)
	}
	defer cursor.Close(ctx)

	answers := []models.AnswerRecord{}
	if err := cursor.All(ctx, &answers); err != nil {
		return nil, fmt.Errorf("failed to decode answers: %w", err)
	}

	return answers, nil
}

// return the total number of archived answers
func (s *MongoStore) CountAnswers(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count answers: %w", err)
	}
	return count, nil
}
