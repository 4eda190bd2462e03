package database

import (
	"context"
	"time"

	"podsim/internal/config"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database

	jobsCol    *mongo.Collection
	simsCol    *mongo.Collection
	workersCol *mongo.Collection
	idemCol    *mongo.Collection
	ratingsCol *mongo.Collection
	matchesCol *mongo.Collection
}

func newMongoStore(cfg *config.Config) (Store, error) {
	clientOptions := options.Client().ApplyURI(cfg.MongoDB.URI)
	if cfg.MongoDB.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: cfg.MongoDB.Username,
			Password: cfg.MongoDB.Password,
		})
	}

	client, err := mongo.Connect(context.TODO(), clientOptions)
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.MongoDB.DB)

	jobsCol := db.Collection("jobs")
	jobIndexModels := []mongo.IndexModel{
		{
			// Index for status-based queries (active scans, queue position)
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			// Index for user-based listings
			Keys:    bson.D{{Key: "created_by", Value: 1}},
			Options: options.Index(),
		},
		{
			// Index for sorting by creation date
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
		{
			// TTL index to auto-delete old finished jobs after 6 months
			Keys:    bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(60 * 60 * 24 * 30 * 6),
		},
	}

	simsCol := db.Collection("simulations")
	simIndexModels := []mongo.IndexModel{
		{
			// One row per (job, sim); duplicate initialization is a no-op
			Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "sim_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "index", Value: 1}},
			Options: options.Index(),
		},
	}

	matchesCol := db.Collection("matchResults")
	matchIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "job_id", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "played_at", Value: 1}},
			Options: options.Index(),
		},
	}

	if _, err := jobsCol.Indexes().CreateMany(context.Background(), jobIndexModels); err != nil {
		log.Warn().Err(err).Str("Collection", "Jobs").Msg("Error creating indexes")
	}
	if _, err := simsCol.Indexes().CreateMany(context.Background(), simIndexModels); err != nil {
		log.Warn().Err(err).Str("Collection", "Simulations").Msg("Error creating indexes")
	}
	if _, err := matchesCol.Indexes().CreateMany(context.Background(), matchIndexModels); err != nil {
		log.Warn().Err(err).Str("Collection", "MatchResults").Msg("Error creating indexes")
	}

	return &mongoStore{
		client:     client,
		db:         db,
		jobsCol:    jobsCol,
		simsCol:    simsCol,
		workersCol: db.Collection("workerHeartbeats"),
		idemCol:    db.Collection("idempotencyKeys"),
		ratingsCol: db.Collection("ratings"),
		matchesCol: matchesCol,
	}, nil
}

// Health implements Store
func (m *mongoStore) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := m.client.Ping(ctx, nil); err != nil {
		log.Error().Msgf("Database health error: %v", err)
		return err
	}

	return nil
}

func (m *mongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// withTxn runs fn inside a session transaction. The document backend needs
// multi-document atomicity for create-with-idempotency-key and cancel
// cascades.
func (m *mongoStore) withTxn(ctx context.Context, fn func(sc mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer session.EndSession(ctx)

	return session.WithTransaction(ctx, fn)
}

// statusFilter renders an expected-status guard for conditional updates.
func statusFilter[T ~string](values []T) bson.M {
	in := make([]string, 0, len(values))
	for _, v := range values {
		in = append(in, string(v))
	}
	return bson.M{"$in": in}
}
