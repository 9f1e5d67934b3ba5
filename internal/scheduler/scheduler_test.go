package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	delay time.Duration
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run() error {
	time.Sleep(j.delay)
	j.runs.Add(1)
	return j.err
}

func TestAddJob_InvalidSchedule(t *testing.T) {
	s := New(zerolog.Nop())

	err := s.AddJob("not a schedule", &countingJob{name: "bad"})
	assert.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestJobs_ListsRegistrations(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("0 30 3 * * *", &countingJob{name: "backup"}))
	require.NoError(t, s.AddJob("0 0 3 * * *", &countingJob{name: "history_retention"}))

	s.Start()
	defer s.Stop()

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "backup", jobs[0].Name)
	assert.Equal(t, "0 30 3 * * *", jobs[0].Schedule)
	assert.Equal(t, "history_retention", jobs[1].Name)
	assert.Equal(t, 3, jobs[1].Next.Hour())
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "tick", err: errors.New("failure is logged, not fatal")}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "now"}

	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), job.runs.Load())

	job.err = errors.New("boom")
	assert.EqualError(t, s.RunNow(job), "boom")
}
