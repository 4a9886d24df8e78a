package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJob_Locked(t *testing.T) {
	j := &Job{Status: StatusPending}
	require.False(t, j.Locked())

	j.Status = StatusRunning
	require.False(t, j.Locked(), "running without lockedBy/lockUntil is not locked")

	j.LockedBy = "worker-1"
	j.LockUntil = time.Now().Add(time.Minute)
	require.True(t, j.Locked())
}

func TestJob_CloneIsDeep(t *testing.T) {
	original := &Job{
		ID:     "j1",
		Data:   []byte("payload"),
		Retry:  &RetrySpec{MaxAttempts: 3, Delay: time.Second},
		Repeat: &RepeatSpec{Cron: "*/1 * * * *"},
	}

	clone := original.Clone()
	clone.Data[0] = 'X'
	clone.Retry.MaxAttempts = 99
	clone.Repeat.Cron = "changed"

	require.Equal(t, byte('p'), original.Data[0], "cloning must not share the underlying Data slice")
	require.Equal(t, 3, original.Retry.MaxAttempts, "cloning must not share the Retry pointer")
	require.Equal(t, "*/1 * * * *", original.Repeat.Cron, "cloning must not share the Repeat pointer")
}

func TestJob_CloneNil(t *testing.T) {
	var j *Job
	require.Nil(t, j.Clone())
}

func TestRepeatSpec_IsCronIsInterval(t *testing.T) {
	cron := RepeatSpec{Cron: "* * * * *"}
	require.True(t, cron.IsCron())
	require.False(t, cron.IsInterval())

	interval := RepeatSpec{Every: time.Second}
	require.False(t, interval.IsCron())
	require.True(t, interval.IsInterval())
}

func TestRetrySpecFromAttempts(t *testing.T) {
	spec := RetrySpecFromAttempts(5)
	require.Equal(t, 5, spec.MaxAttempts)
	require.Equal(t, time.Duration(0), spec.Delay)
	require.Nil(t, spec.DelayFunc)
}
