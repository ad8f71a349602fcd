package scheduler

import (
	"context"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	generations int
	drains      int
	activations []string
}

func (e *stubEngine) RunGeneration(context.Context) error { e.generations++; return nil }
func (e *stubEngine) DrainBacktests(context.Context) error { e.drains++; return nil }
func (e *stubEngine) RunActivation(_ context.Context, trigger string) error {
	e.activations = append(e.activations, trigger)
	return nil
}

type stubSnapshotter struct{ envs []string }

func (s *stubSnapshotter) Snapshot(_ context.Context, env string) error {
	s.envs = append(s.envs, env)
	return nil
}

func TestJobTableCronSpecsParse(t *testing.T) {
	s := New(nil, &stubEngine{}, &stubSnapshotter{}, zerolog.Nop())

	require.Len(t, s.jobs, 3)
	for _, job := range s.jobs {
		_, err := cron.ParseStandard(job.cronSpec)
		assert.NoError(t, err, job.name)
		assert.Greater(t, job.minInterval.Hours(), 0.0, job.name)
	}
}

func TestJobTableCoversSeededSlots(t *testing.T) {
	s := New(nil, &stubEngine{}, &stubSnapshotter{}, zerolog.Nop())

	names := make(map[string]string, len(s.jobs))
	for _, job := range s.jobs {
		names[job.name] = job.cronSpec
	}
	assert.Equal(t, "0 3 * * *", names[JobGeneration])
	assert.Equal(t, "59 23 * * *", names[JobSnapshot])
	assert.Equal(t, "0 */4 * * *", names[JobActivation])
}

func TestGenerationJobDrainsBacktests(t *testing.T) {
	engine := &stubEngine{}
	s := New(nil, engine, &stubSnapshotter{}, zerolog.Nop())

	for _, job := range s.jobs {
		if job.name == JobGeneration {
			require.NoError(t, job.run(context.Background()))
		}
	}
	assert.Equal(t, 1, engine.generations)
	assert.Equal(t, 1, engine.drains)
}

func TestActivationJobUsesScheduledTrigger(t *testing.T) {
	engine := &stubEngine{}
	s := New(nil, engine, &stubSnapshotter{}, zerolog.Nop())

	for _, job := range s.jobs {
		if job.name == JobActivation {
			require.NoError(t, job.run(context.Background()))
		}
	}
	assert.Equal(t, []string{"scheduled"}, engine.activations)
}

func TestRunnerIDStable(t *testing.T) {
	assert.Equal(t, runnerID(), runnerID())
	assert.NotEmpty(t, runnerID())
}
