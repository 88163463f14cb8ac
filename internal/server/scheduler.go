package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/civicsignal/billwatch/internal/pipeline"
)

// Scheduler kicks off a full pipeline cycle when the collector cron is due.
// A redis lock prevents duplicate cycles when several instances run.
type Scheduler struct {
	Runner   *pipeline.Runner
	Rdb      *redis.Client
	CronSpec string
	Stop     chan struct{}
	Logger   *log.Logger

	lastRun time.Time
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !isDue(s.CronSpec, s.lastRun) {
		return
	}
	ctx := context.Background()

	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "sched:lock:pipeline", "1", 10*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "sched:lock:pipeline")
	}

	s.lastRun = time.Now()
	s.Logger.Printf("starting scheduled pipeline cycle")
	summaries, err := s.Runner.Run(ctx, pipeline.StageCollect)
	if err != nil {
		s.Logger.Printf("scheduled cycle failed after %d invocations: %v", len(summaries), err)
		return
	}
	s.Logger.Printf("scheduled cycle finished in %d invocations", len(summaries))
}

// isDue reports whether the cron expression has a fire time between lastRun
// and now.
func isDue(cronSpec string, lastRun time.Time) bool {
	if cronSpec == "" {
		return false
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return false
	}
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-time.Minute)
	}
	next := expr.Next(lastRun)
	return !next.IsZero() && !next.After(time.Now())
}
