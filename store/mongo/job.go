package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ShantanuRaghuwanshi/conveyor"
	"github.com/ShantanuRaghuwanshi/conveyor/id"
	"github.com/ShantanuRaghuwanshi/conveyor/job"
)

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.Collection(colJobs).InsertOne(ctx, m)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobExists
		}
		return fmt.Errorf("conveyor/mongo: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = now()
	res, err := s.db.Collection(colJobs).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("conveyor/mongo: update job: %w", err)
	}
	if res.MatchedCount == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.Collection(colJobs).DeleteOne(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("conveyor/mongo: delete job: %w", err)
	}
	if res.DeletedCount == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ClaimJob atomically moves a pending job to running. FindOneAndUpdate
// with a status predicate prevents double-delivery: a job cancelled after
// being dequeued fails the predicate and is reported as an invalid
// transition.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	t := now()
	filter := bson.M{
		"_id":    jobID.String(),
		"status": string(job.StatusPending),
	}
	update := bson.M{
		"$set": bson.M{
			"status":     string(job.StatusRunning),
			"worker_id":  workerID.String(),
			"started_at": t,
			"updated_at": t,
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m jobModel
	err := s.db.Collection(colJobs).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, s.transitionConflict(ctx, jobID, job.StatusRunning)
		}
		return nil, fmt.Errorf("conveyor/mongo: claim job: %w", err)
	}
	return fromJobModel(&m)
}

// CancelJob atomically moves a pending or running job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	t := now()
	filter := bson.M{
		"_id": jobID.String(),
		"status": bson.M{"$in": []string{
			string(job.StatusPending),
			string(job.StatusRunning),
		}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":       string(job.StatusCancelled),
			"completed_at": t,
			"updated_at":   t,
		},
		"$unset": bson.M{"scheduled_at": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m jobModel
	err := s.db.Collection(colJobs).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, s.transitionConflict(ctx, jobID, job.StatusCancelled)
		}
		return nil, fmt.Errorf("conveyor/mongo: cancel job: %w", err)
	}
	return fromJobModel(&m)
}

// PromoteDueJobs atomically clears scheduled_at on up to limit due pending
// jobs. Each claim is a FindOneAndUpdate, so a job cancelled concurrently
// fails the status predicate and is never returned.
func (s *Store) PromoteDueJobs(ctx context.Context, nowAt time.Time, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	col := s.db.Collection(colJobs)
	jobs := make([]*job.Job, 0, limit)

	for i := 0; i < limit; i++ {
		filter := bson.M{
			"status": string(job.StatusPending),
			"scheduled_at": bson.M{
				"$ne":  nil,
				"$lte": nowAt.UTC(),
			},
		}
		update := bson.M{
			"$set":   bson.M{"updated_at": now()},
			"$unset": bson.M{"scheduled_at": ""},
		}
		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: "scheduled_at", Value: 1}})

		var m jobModel
		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("conveyor/mongo: promote due jobs: %w", err)
		}

		j, convErr := fromJobModel(&m)
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/mongo: promote convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}

	return jobs, nil
}

// ListJobs returns jobs matching the filter, ordered by CreatedAt.
func (s *Store) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.Name != "" {
		filter["name"] = f.Name
	}
	if !f.OriginJobID.IsNil() {
		filter["origin_job_id"] = f.OriginJobID.String()
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if f.Limit > 0 {
		findOpts.SetLimit(int64(f.Limit))
	}
	if f.Offset > 0 {
		findOpts.SetSkip(int64(f.Offset))
	}

	cursor, err := s.db.Collection(colJobs).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("conveyor/mongo: list jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("conveyor/mongo: list jobs decode: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/mongo: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Name != "" {
		filter["name"] = opts.Name
	}

	count, err := s.db.Collection(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("conveyor/mongo: count jobs: %w", err)
	}
	return count, nil
}

// PurgeTerminal deletes terminal jobs older than olderThan.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := now().Add(-olderThan)
	filter := bson.M{
		"status": bson.M{"$in": []string{
			string(job.StatusCompleted),
			string(job.StatusFailed),
			string(job.StatusCancelled),
		}},
		"$or": []bson.M{
			{"completed_at": bson.M{"$ne": nil, "$lt": cutoff}},
			{"completed_at": nil, "updated_at": bson.M{"$lt": cutoff}},
		},
	}

	res, err := s.db.Collection(colJobs).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("conveyor/mongo: purge terminal: %w", err)
	}
	return res.DeletedCount, nil
}

// transitionConflict discriminates between a missing job and one whose
// current status forbids the attempted transition.
func (s *Store) transitionConflict(ctx context.Context, jobID id.JobID, next job.Status) error {
	cur, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s → %s", conveyor.ErrInvalidTransition, cur.Status, next)
}
