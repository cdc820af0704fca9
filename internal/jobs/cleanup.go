package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionPurger deletes admin sessions that are expired and no longer locked.
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// WindowPruner drops in-process rate limit windows that have gone idle.
type WindowPruner interface {
	Prune(now time.Time) int
	Len() int
}

type CleanupJob struct {
	adminSessions SessionPurger
	windows       WindowPruner
	interval      time.Duration
	done          chan struct{}
}

// NewCleanupJob accepts a nil windows pruner when rate limit state lives in
// Redis, where keys expire on their own.
func NewCleanupJob(adminSessions SessionPurger, windows WindowPruner, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		adminSessions: adminSessions,
		windows:       windows,
		interval:      interval,
		done:          make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if j.adminSessions != nil {
		j.runCleanup(ctx, "admin sessions", j.adminSessions.DeleteExpired)
	}
	if j.windows != nil {
		j.runCleanup(ctx, "rate limit windows", func(context.Context) (int64, error) {
			return int64(j.windows.Prune(time.Now())), nil
		})
		log.Debug().Int("tracked", j.windows.Len()).Msg("rate limit windows after cleanup")
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
