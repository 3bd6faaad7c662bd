package routine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJobs struct {
	flushes atomic.Int32
	checks  atomic.Int32
}

func (j *countingJobs) FlushStore()  { j.flushes.Add(1) }
func (j *countingJobs) HealthCheck() { j.checks.Add(1) }

func TestRegister(t *testing.T) {
	c := cron.New()
	require.NoError(t, Register(c, &countingJobs{}, 12*time.Second))
	assert.Len(t, c.Entries(), 2)
}

func TestRegisterWithoutFlush(t *testing.T) {
	c := cron.New()
	require.NoError(t, Register(c, &countingJobs{}, 0))
	assert.Len(t, c.Entries(), 1)
}

func TestRegisteredFlushRuns(t *testing.T) {
	jobs := &countingJobs{}
	c := cron.New()
	require.NoError(t, Register(c, jobs, time.Second))

	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return jobs.flushes.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Zero(t, jobs.checks.Load())
}
