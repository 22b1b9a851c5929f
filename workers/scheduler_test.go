package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quest-pipeline/services"
)

type countingLifecycle struct{ ticks atomic.Int32 }

func (c *countingLifecycle) Tick(context.Context) (services.TickReport, error) {
	c.ticks.Add(1)
	return services.TickReport{Activated: 1}, nil
}

type countingMatcher struct{ runs atomic.Int32 }

func (c *countingMatcher) MatchAll(context.Context) (int, error) {
	c.runs.Add(1)
	return 0, nil
}

func TestSchedulerRunsJobs(t *testing.T) {
	lc, m := &countingLifecycle{}, &countingMatcher{}
	s, err := NewScheduler(context.Background(), lc, m, ScheduleConfig{
		LifecycleInterval: 20 * time.Millisecond,
		MeetupInterval:    20 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"quest_lifecycle", "meetup_matcher"}, s.Jobs())

	s.Start()
	defer func() { _ = s.Shutdown() }()

	assert.Eventually(t, func() bool {
		return lc.ticks.Load() >= 2 && m.runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsDisabledJobs(t *testing.T) {
	s, err := NewScheduler(context.Background(), &countingLifecycle{}, &countingMatcher{}, ScheduleConfig{
		LifecycleInterval: time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"quest_lifecycle"}, s.Jobs())
	require.NoError(t, s.Shutdown())
}
