package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sdtile/upscaler/internal/model"
)

// JobTTL is how long job records and source images live in Redis.
const JobTTL = 24 * time.Hour

var ErrJobNotFound = errors.New("job not found")

// JobStore persists job records and the source image of each job.
type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	SaveSource(ctx context.Context, jobID string, data []byte) error
	GetSource(ctx context.Context, jobID string) ([]byte, error)
	DeleteSource(ctx context.Context, jobID string) error
	MarkCanceled(ctx context.Context, jobID string) error
	IsCanceled(ctx context.Context, jobID string) (bool, error)
}

// RedisJobStore keeps jobs as JSON under job:<id> and the source PNG under
// job:<id>:source. A cancel lives in its own key, job:<id>:cancel, so a
// worker rewriting the record cannot clear it.
type RedisJobStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisJobStore(redisClient *redis.Client) *RedisJobStore {
	return &RedisJobStore{redis: redisClient, ttl: JobTTL}
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func sourceKey(jobID string) string {
	return fmt.Sprintf("job:%s:source", jobID)
}

func cancelKey(jobID string) string {
	return fmt.Sprintf("job:%s:cancel", jobID)
}

func (s *RedisJobStore) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, s.ttl).Err()
}

func (s *RedisJobStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisJobStore) SaveSource(ctx context.Context, jobID string, data []byte) error {
	return s.redis.Set(ctx, sourceKey(jobID), data, s.ttl).Err()
}

func (s *RedisJobStore) GetSource(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.redis.Get(ctx, sourceKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisJobStore) DeleteSource(ctx context.Context, jobID string) error {
	return s.redis.Del(ctx, sourceKey(jobID)).Err()
}

func (s *RedisJobStore) MarkCanceled(ctx context.Context, jobID string) error {
	return s.redis.Set(ctx, cancelKey(jobID), 1, s.ttl).Err()
}

func (s *RedisJobStore) IsCanceled(ctx context.Context, jobID string) (bool, error) {
	n, err := s.redis.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
