package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newCache(t *testing.T) (*CourseCache, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	m := metrics.NewNop()
	return NewCourseCache(client, time.Minute, m), mr, m
}

func TestCoursesLoadsOnceAndCaches(t *testing.T) {
	c, mr, m := newCache(t)
	var loads atomic.Int32
	load := func(context.Context) ([]qa.Course, error) {
		loads.Add(1)
		return []qa.Course{{Name: "Intro", Code: "CS101"}}, nil
	}

	for i := 0; i < 3; i++ {
		courses, err := c.Courses(context.Background(), load)
		if err != nil || len(courses) != 1 || courses[0].Code != "CS101" {
			t.Fatalf("courses = %+v, %v", courses, err)
		}
	}
	if loads.Load() != 1 {
		t.Errorf("loaded %d times, want 1", loads.Load())
	}
	if !mr.Exists(coursesKey) {
		t.Error("expected course list in redis")
	}
	if mr.TTL(coursesKey) != time.Minute {
		t.Errorf("ttl = %v", mr.TTL(coursesKey))
	}
	if got := testutil.ToFloat64(m.CacheHitsTotal); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
}

func TestCoursesCollapsesConcurrentMisses(t *testing.T) {
	c, _, _ := newCache(t)
	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) ([]qa.Course, error) {
		loads.Add(1)
		<-release
		return []qa.Course{{Name: "Intro", Code: "CS101"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Courses(context.Background(), load)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if loads.Load() != 1 {
		t.Errorf("loaded %d times, want 1", loads.Load())
	}
}

func TestCoursesPropagatesLoadErrorAndInvalidate(t *testing.T) {
	c, mr, _ := newCache(t)
	boom := errors.New("db down")
	if _, err := c.Courses(context.Background(), func(context.Context) ([]qa.Course, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}

	_, _ = c.Courses(context.Background(), func(context.Context) ([]qa.Course, error) { return []qa.Course{}, nil })
	if err := c.Invalidate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(coursesKey) {
		t.Error("expected key removed after invalidate")
	}
}
