// Package sweeper releases task locks held past their time-to-live.
package sweeper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"lockline/internal/domain"
	"lockline/internal/engine"
)

// Expirer releases one task's stale lock.
type Expirer interface {
	ExpireLock(ctx context.Context, key domain.TaskKey, cutoff time.Time, ttl time.Duration) (bool, error)
}

// Result summarises one sweep.
type Result struct {
	RunID    string
	Expired  int
	Released int
	Failed   int
}

type Sweeper struct {
	Engine   engine.Engine
	Locks    Expirer
	TTL      time.Duration
	Interval time.Duration
	Logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a sweeper using the engine's configured TTL and interval.
func New(eng engine.Engine) *Sweeper {
	s := &Sweeper{Engine: eng, Locks: eng, TTL: 2 * time.Hour, Interval: 5 * time.Minute, Logger: eng.Logger}
	if eng.Config != nil {
		s.TTL = eng.Config.Locking.TTL
		s.Interval = eng.Config.Locking.SweepInterval
	}
	if s.Logger == nil {
		s.Logger = log.Default()
	}
	return s
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.wg.Add(1)
	go s.loop()
	s.Logger.Printf("sweeper started (ttl=%s interval=%s)", s.TTL, s.Interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.Logger.Println("sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(s.ctx); err != nil {
				s.Logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

func (s *Sweeper) now() time.Time {
	if s.Engine.Now != nil {
		return s.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

// RunOnce sweeps every project. A failing task is logged and skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.New().String()}
	projects, err := s.Engine.Repo.ListProjects(ctx)
	if err != nil {
		return res, err
	}
	for _, p := range projects {
		if err := s.sweepProject(ctx, p.ID, &res); err != nil {
			s.Logger.Printf("sweep %s project %d: %v", res.RunID, p.ID, err)
			res.Failed++
		}
	}
	if res.Expired > 0 || res.Failed > 0 {
		s.Logger.Printf("sweep %s: %d expired, %d released, %d failed", res.RunID, res.Expired, res.Released, res.Failed)
	}
	return res, nil
}

func (s *Sweeper) sweepProject(ctx context.Context, projectID int64, res *Result) error {
	cutoff := s.now().Add(-s.TTL)
	ids, err := s.Engine.Ledger.ExpiredTaskIDs(ctx, s.Engine.DB, projectID, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := domain.TaskKey{TaskID: id, ProjectID: projectID}
		released, err := s.Locks.ExpireLock(ctx, key, cutoff, s.TTL)
		if err != nil {
			s.Logger.Printf("sweep %s task %s: %v", res.RunID, key, err)
			res.Failed++
			continue
		}
		res.Expired++
		if released {
			res.Released++
		}
	}
	return nil
}
