// Package sweep runs the periodic janitor jobs: expired interventions,
// expired blocks, stale repeat-detection rings, and old reply
// fingerprints.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/atendai/atendai/internal/guard"
	"github.com/atendai/atendai/internal/intervention"
	"github.com/atendai/atendai/internal/store"
)

// Job is one scheduled maintenance task. Run returns how many rows or
// entries it cleaned up.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Jobs builds the standard maintenance set.
func Jobs(st *store.Stores, tracker *intervention.Tracker, classifier *guard.Classifier) []Job {
	return []Job{
		{
			Name: "expired-interventions",
			Spec: "* * * * *",
			Run: func(ctx context.Context) (int, error) {
				return tracker.SweepExpired(ctx, time.Now())
			},
		},
		{
			Name: "expired-blocks",
			Spec: "*/5 * * * *",
			Run: func(ctx context.Context) (int, error) {
				return st.Blocks.PurgeExpired(ctx, time.Now())
			},
		},
		{
			Name: "expired-fingerprints",
			Spec: "*/5 * * * *",
			Run: func(ctx context.Context) (int, error) {
				return st.Dedupe.PurgeExpiredFingerprints(ctx, time.Now())
			},
		},
		{
			Name: "stale-repeat-rings",
			Spec: "0 * * * *",
			Run: func(ctx context.Context) (int, error) {
				return classifier.PruneStaleRings(24 * time.Hour), nil
			},
		},
	}
}

type Sweeper struct {
	jobs []Job
}

// NewSweeper validates every job's cron spec up front.
func NewSweeper(jobs []Job) (*Sweeper, error) {
	for _, job := range jobs {
		if !gronx.IsValid(job.Spec) {
			return nil, fmt.Errorf("job %s: invalid cron spec %q", job.Name, job.Spec)
		}
	}
	return &Sweeper{jobs: jobs}, nil
}

// Start runs every job on its schedule until ctx is cancelled. Blocks.
func (s *Sweeper) Start(ctx context.Context) error {
	done := make(chan struct{})
	for _, job := range s.jobs {
		go s.runJob(ctx, job)
	}
	go func() {
		<-ctx.Done()
		close(done)
	}()
	<-done
	return ctx.Err()
}

func (s *Sweeper) runJob(ctx context.Context, job Job) {
	log := slog.With("job", job.Name)
	for {
		next, err := gronx.NextTick(job.Spec, false)
		if err != nil {
			log.Error("cron schedule unusable, job stopped", "spec", job.Spec, "error", err)
			return
		}
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		start := time.Now()
		cleaned, err := job.Run(ctx)
		if err != nil {
			log.Error("sweep failed", "error", err)
			continue
		}
		if cleaned > 0 {
			log.Info("sweep completed", "cleaned", cleaned, "elapsed", time.Since(start))
		}
	}
}
