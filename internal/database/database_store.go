package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
)

// DBStore keeps sessions in MongoDB, one document per client id.
type DBStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

var _ SessionRepository = (*DBStore)(nil)

func wrapErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w: %w", ErrSessionNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) GetSession(ctx context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	var session SessionData

	startTime := time.Now()
	err := ds.db.Collection(SessionCollectionName).FindOne(ctx, filter).Decode(&session)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapErr(err)
	}
	return &session, nil
}

func (ds *DBStore) SaveSession(ctx context.Context, session *SessionData) error {
	if session.ClientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: session.ClientID}}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.db.Collection(SessionCollectionName).ReplaceOne(ctx, filter, session, opts)
	if err != nil {
		return wrapErr(err)
	}

	logger.InfoF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		session.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *DBStore) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	result, err := ds.db.Collection(SessionCollectionName).DeleteOne(ctx, filter)
	if err != nil {
		return wrapErr(err)
	}

	logger.InfoF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (ds *DBStore) ListSessions(ctx context.Context) ([]*SessionData, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	cursor, err := ds.db.Collection(SessionCollectionName).Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "client_id", Value: 1}}))
	if err != nil {
		return nil, wrapErr(err)
	}
	var sessions []*SessionData
	if err = cursor.All(ctx, &sessions); err != nil {
		return nil, wrapErr(err)
	}
	return sessions, nil
}

func (ds *DBStore) GetPatterns(ctx context.Context, clientID string) ([]string, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var set PatternSet
	filter := bson.D{{Key: "client_id", Value: clientID}}
	if err := ds.db.Collection(PatternCollectionName).FindOne(ctx, filter).Decode(&set); err != nil {
		return nil, wrapErr(err)
	}
	return set.Patterns, nil
}

func (ds *DBStore) SavePatterns(ctx context.Context, clientID string, patterns []string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	opts := options.Replace().SetUpsert(true)
	_, err := ds.db.Collection(PatternCollectionName).ReplaceOne(ctx, filter, PatternSet{ClientID: clientID, Patterns: patterns}, opts)
	if err != nil {
		return wrapErr(err)
	}
	logger.DebugF("Pattern set saved: client_id=%s, patterns=%v", clientID, patterns)
	return nil
}

func (ds *DBStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
