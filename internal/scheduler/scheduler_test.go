package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	name string
	runs int32
	err  error
}

func (j *fakeJob) Name() string { return j.name }
func (j *fakeJob) Run() error {
	atomic.AddInt32(&j.runs, 1)
	return j.err
}

func TestScheduler_AddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a schedule", &fakeJob{name: "bad"})
	require.Error(t, err)
}

func TestScheduler_RunNowExecutesJobImmediately(t *testing.T) {
	s := New(zerolog.Nop())
	job := &fakeJob{name: "immediate"}
	require.NoError(t, s.RunNow(job))
	require.Equal(t, int32(1), atomic.LoadInt32(&job.runs))
}

func TestScheduler_RunNowPropagatesJobError(t *testing.T) {
	s := New(zerolog.Nop())
	job := &fakeJob{name: "failing", err: errors.New("boom")}
	require.ErrorIs(t, s.RunNow(job), job.err)
}

func TestScheduler_StartStopIsSafeWithNoJobs(t *testing.T) {
	s := New(zerolog.Nop())
	s.Start()
	s.Stop()
}
