package history

import (
	"time"

	"github.com/rs/zerolog"
)

// RetentionJob deletes runs older than the retention window.
type RetentionJob struct {
	repo      *Repository
	retention time.Duration
	log       zerolog.Logger
}

// NewRetentionJob creates a pruning job keeping retentionDays of history.
func NewRetentionJob(repo *Repository, retentionDays int, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		repo:      repo,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log.With().Str("job", "history_retention").Logger(),
	}
}

// Name returns the job name
func (j *RetentionJob) Name() string {
	return "history_retention"
}

// Run executes the job
func (j *RetentionJob) Run() error {
	cutoff := j.repo.now().Add(-j.retention)

	deleted, err := j.repo.DeleteOlderThan(cutoff)
	if err != nil {
		return err
	}

	j.log.Info().
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Pruned optimization history")
	return nil
}
