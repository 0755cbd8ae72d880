// Package cache keeps survey definitions in Redis so validation does not
// reassemble them from the database on every request.
//
// Entries hold the survey definition as JSON under surveykeeper:survey:<id>
// with a fixed TTL. Snapshots are compiled from the cached definition on each
// lookup. Redis failures are logged and fall through to the database: the
// cache never turns a readable survey into an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solatis/surveykeeper/internal/rules"
	"github.com/solatis/surveykeeper/internal/types"
)

const keyPrefix = "surveykeeper:survey:"

// SurveyLoader reads survey definitions from durable storage.
type SurveyLoader interface {
	LoadSurvey(ctx context.Context, id types.SurveyID) (*types.Survey, error)
}

// Observer is notified of every cache lookup.
type Observer interface {
	ObserveCacheLookup(hit bool)
}

// SnapshotCache implements rules.SnapshotSource on top of a SurveyLoader.
type SnapshotCache struct {
	client   *redis.Client
	loader   SurveyLoader
	ttl      time.Duration
	logger   *zap.Logger
	observer Observer
}

// Connect creates a Redis client from a redis:// URL and checks it is reachable.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// New returns a cache in front of loader. A nil client disables caching.
func New(client *redis.Client, loader SurveyLoader, ttl time.Duration, logger *zap.Logger) *SnapshotCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotCache{client: client, loader: loader, ttl: ttl, logger: logger}
}

// WithObserver registers an observer for hit and miss counts.
func (c *SnapshotCache) WithObserver(o Observer) *SnapshotCache {
	c.observer = o
	return c
}

func surveyKey(id types.SurveyID) string {
	return fmt.Sprintf("%s%d", keyPrefix, id)
}

// Survey returns the definition of survey id, from Redis when cached.
func (c *SnapshotCache) Survey(ctx context.Context, id types.SurveyID) (*types.Survey, error) {
	if c.client != nil {
		if survey, ok := c.lookup(ctx, id); ok {
			c.observe(true)
			return survey, nil
		}
		c.observe(false)
	}

	survey, err := c.loader.LoadSurvey(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.client != nil {
		c.store(ctx, survey)
	}
	return survey, nil
}

// Snapshot returns the compiled rules of survey id.
func (c *SnapshotCache) Snapshot(ctx context.Context, id types.SurveyID) (*rules.Snapshot, error) {
	survey, err := c.Survey(ctx, id)
	if err != nil {
		return nil, err
	}
	return rules.Compile(survey)
}

// Invalidate drops the cached definition of survey id.
func (c *SnapshotCache) Invalidate(ctx context.Context, id types.SurveyID) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, surveyKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidate survey %d: %w", id, err)
	}
	return nil
}

func (c *SnapshotCache) lookup(ctx context.Context, id types.SurveyID) (*types.Survey, bool) {
	data, err := c.client.Get(ctx, surveyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("survey cache read failed", zap.Int64("survey_id", int64(id)), zap.Error(err))
		return nil, false
	}

	var survey types.Survey
	if err := json.Unmarshal(data, &survey); err != nil {
		c.logger.Warn("discarding corrupt survey cache entry", zap.Int64("survey_id", int64(id)), zap.Error(err))
		c.client.Del(ctx, surveyKey(id))
		return nil, false
	}
	return &survey, true
}

func (c *SnapshotCache) store(ctx context.Context, survey *types.Survey) {
	data, err := json.Marshal(survey)
	if err != nil {
		c.logger.Warn("survey cache encode failed", zap.Int64("survey_id", int64(survey.ID)), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, surveyKey(survey.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("survey cache write failed", zap.Int64("survey_id", int64(survey.ID)), zap.Error(err))
	}
}

func (c *SnapshotCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(hit)
	}
}
