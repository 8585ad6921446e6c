// Package cache keeps read-mostly listings in Redis. Concurrent misses for
// the same key collapse into one load through singleflight.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix  = "qa-cache:"
	coursesKey = keyPrefix + "courses"
)

type CourseCache struct {
	client  *pkgredis.Client
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewCourseCache(client *pkgredis.Client, ttl time.Duration, m *metrics.Metrics) *CourseCache {
	return &CourseCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "course-cache"),
	}
}

// Courses returns the cached course list, calling load on a miss. Redis
// errors degrade to a load rather than failing the request.
func (c *CourseCache) Courses(ctx context.Context, load func(context.Context) ([]qa.Course, error)) ([]qa.Course, error) {
	if courses, ok := c.get(ctx); ok {
		return courses, nil
	}
	val, err, _ := c.group.Do(coursesKey, func() (interface{}, error) {
		if courses, ok := c.get(ctx); ok {
			return courses, nil
		}
		courses, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.set(ctx, courses)
		return courses, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]qa.Course), nil
}

// Invalidate drops every cached listing.
func (c *CourseCache) Invalidate(ctx context.Context) error {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *CourseCache) get(ctx context.Context) ([]qa.Course, bool) {
	data, err := c.client.Get(ctx, coursesKey)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", coursesKey, "error", err)
		}
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	var courses []qa.Course
	if err := json.Unmarshal([]byte(data), &courses); err != nil {
		c.logger.Error("cache unmarshal failed", "key", coursesKey, "error", err)
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.metrics.CacheHitsTotal.Inc()
	return courses, true
}

func (c *CourseCache) set(ctx context.Context, courses []qa.Course) {
	data, err := json.Marshal(courses)
	if err != nil {
		c.logger.Error("cache marshal failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, coursesKey, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", coursesKey, "error", err)
	}
}
