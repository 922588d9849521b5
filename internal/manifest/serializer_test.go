package manifest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-ebook-pipeline/internal/models"
)

func TestSerializerDropsConcurrentSaveOfSameJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	s := NewSerializer(func(_ context.Context, m *models.Manifest) error {
		calls++
		if m.InputFile == "slow" {
			close(started)
			<-release
		}
		return nil
	})
	ctx := context.Background()

	first := &models.Manifest{ID: "job-1-a", InputFile: "fast"}
	_, saved, err := s.Save(ctx, first)
	require.NoError(t, err)
	require.True(t, saved)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = s.Save(ctx, &models.Manifest{ID: "job-1-a", InputFile: "slow"})
	}()
	<-started
	assert.True(t, s.InFlight("job-1-a"))

	state, saved, err := s.Save(ctx, &models.Manifest{ID: "job-1-a", InputFile: "dropped"})
	require.NoError(t, err)
	assert.False(t, saved)
	require.NotNil(t, state)
	assert.Equal(t, "fast", state.InputFile)

	close(release)
	<-done
	assert.False(t, s.InFlight("job-1-a"))
	assert.Equal(t, 2, calls)

	cached, ok := s.Cached("job-1-a")
	require.True(t, ok)
	assert.Equal(t, "slow", cached.InputFile)
}

func TestSerializerClearsInFlightOnError(t *testing.T) {
	boom := errors.New("store down")
	s := NewSerializer(func(context.Context, *models.Manifest) error { return boom })

	_, saved, err := s.Save(context.Background(), &models.Manifest{ID: "job-2-b"})
	assert.ErrorIs(t, err, boom)
	assert.False(t, saved)
	assert.False(t, s.InFlight("job-2-b"))
	_, ok := s.Cached("job-2-b")
	assert.False(t, ok)
}

func TestPassthroughSerializerAlwaysSaves(t *testing.T) {
	calls := 0
	s := NewPassthroughSerializer(func(context.Context, *models.Manifest) error {
		calls++
		return nil
	})
	for i := 0; i < 3; i++ {
		_, saved, err := s.Save(context.Background(), &models.Manifest{ID: "job-3-c"})
		require.NoError(t, err)
		assert.True(t, saved)
	}
	assert.Equal(t, 3, calls)
}

func TestSerializerEvictsTerminalJobs(t *testing.T) {
	s := NewSerializer(func(context.Context, *models.Manifest) error { return nil })
	ctx := context.Background()

	running := &models.Manifest{ID: "job-4-d", Steps: models.NewSteps()}
	running.Steps[models.StepExtract] = models.StatusRunning
	_, _, err := s.Save(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	done := running.Clone()
	for _, step := range models.Steps {
		done.Steps[step] = models.StatusCompleted
	}
	_, _, err = s.Save(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	failed := &models.Manifest{ID: "job-5-e", Steps: models.NewSteps()}
	failed.Steps[models.StepRender] = models.StatusFailed
	_, _, err = s.Save(ctx, failed)
	require.NoError(t, err)
	_, ok := s.Cached("job-5-e")
	assert.False(t, ok)
}

func TestSerializerCacheIsBounded(t *testing.T) {
	s := NewSerializer(func(context.Context, *models.Manifest) error { return nil })
	s.limit = 2
	ctx := context.Background()

	for _, id := range []string{"job-6-a", "job-6-b", "job-6-a", "job-6-c"} {
		_, _, err := s.Save(ctx, &models.Manifest{ID: id, Steps: models.NewSteps()})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.Len())
	_, ok := s.Cached("job-6-b")
	assert.False(t, ok, "least recently saved job is evicted")
	_, ok = s.Cached("job-6-a")
	assert.True(t, ok)
	_, ok = s.Cached("job-6-c")
	assert.True(t, ok)
}
