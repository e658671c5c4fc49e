package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/utils"
)

// Open returns the repository selected by the database driver.
func Open(ctx context.Context, cfg *config.Config) (SessionRepository, error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		return ConnectDatabase(ctx, cfg)
	case config.DriverBadger:
		return NewBadgerStore(cfg.Database.BadgerPath)
	case config.DriverMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// ConnectDatabase connects to MongoDB and prepares the session and pattern
// collections.
func ConnectDatabase(ctx context.Context, cfg *config.Config) (*DBStore, error) {
	logger.DebugF("Connecting to database...")
	dbConfig := cfg.Database

	encodedUser := url.QueryEscape(dbConfig.Username)
	encodedPass := url.QueryEscape(dbConfig.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		dbConfig.Host,
		dbConfig.Port,
	)

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(cfg.AppName)
	clientOptions.SetMinPoolSize(dbConfig.MinPoolSize)
	clientOptions.SetMaxPoolSize(dbConfig.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(dbConfig.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(dbConfig.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(dbConfig.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.DurationOr(dbConfig.Heartbeat, 10*time.Second))
	if dbConfig.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(dbConfig.Database)
	for _, name := range []string{SessionCollectionName, PatternCollectionName} {
		_, err = db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(name + "_client_id_unique"),
		})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}

	logger.InfoF("Connected to database %s at %s:%d", dbConfig.Database, dbConfig.Host, dbConfig.Port)
	return &DBStore{
		client:           client,
		db:               db,
		operationTimeout: utils.DurationOr(dbConfig.OperationTimeout, 5*time.Second),
	}, nil
}
