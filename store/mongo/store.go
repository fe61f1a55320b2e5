// Package mongo implements job.Store on MongoDB. Atomic transitions
// (claim, cancel, promote) use FindOneAndUpdate with a status predicate so
// concurrent workers never double-claim a job.
//
// Usage:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongostore.New(client.Database("conveyor"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

const colJobs = "conveyor_jobs"

var _ job.Store = (*Store)(nil)

// Store implements job.Store backed by MongoDB. The caller owns the client
// lifecycle; Store never disconnects it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store. The caller owns the client lifecycle —
// the Store will not disconnect it on Close().
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying *mongo.Database for advanced usage.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates the job collection indexes.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := []mongod.IndexModel{
		// Status index for list and count queries.
		{Keys: bson.D{{Key: "status", Value: 1}}},
		// Name index for per-type queries.
		{Keys: bson.D{{Key: "name", Value: 1}}},
		// Origin index for retry lineage lookups.
		{Keys: bson.D{{Key: "origin_job_id", Value: 1}}},
		// Promotion index: due pending jobs ordered by schedule time.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "scheduled_at", Value: 1},
		}},
	}

	_, err := s.db.Collection(colJobs).Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("conveyor/mongo: migrate indexes: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}
