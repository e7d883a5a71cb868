package acquisitionlog_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constelar/constelar/internal/acquisitionlog"
	"github.com/constelar/constelar/internal/airquality"
)

func record(i int) airquality.AcquisitionRecord {
	return airquality.AcquisitionRecord{
		Pollutant: "no2",
		BBox:      "-59,-35,-58,-34",
		Limit:     i,
		Strategy:  "search",
		Source:    "nasa-tempo",
		Count:     i,
		Duration:  time.Duration(i) * time.Millisecond,
		CreatedAt: time.Date(2024, 8, 1, 0, i, 0, 0, time.UTC),
	}
}

func TestInMemoryRepository_RecentNewestFirst(t *testing.T) {
	repo := acquisitionlog.NewInMemoryRepository(10)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Record(ctx, record(i)))
	}

	entries, err := repo.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].Count)
	assert.Equal(t, 2, entries[1].Count)
	assert.NotEmpty(t, entries[0].ID)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)

	all, err := repo.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestInMemoryRepository_EvictsOldest(t *testing.T) {
	repo := acquisitionlog.NewInMemoryRepository(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, repo.Record(ctx, record(i)))
	}

	entries, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 5, entries[0].Count)
	assert.Equal(t, 3, entries[2].Count)
}

func TestInMemoryRepository_StampsCreatedAt(t *testing.T) {
	repo := acquisitionlog.NewInMemoryRepository(0)
	rec := record(1)
	rec.CreatedAt = time.Time{}
	require.NoError(t, repo.Record(context.Background(), rec))

	entries, err := repo.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, time.Now(), entries[0].CreatedAt, time.Minute)
}

func TestInMemoryRepository_Concurrent(t *testing.T) {
	repo := acquisitionlog.NewInMemoryRepository(50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = repo.Record(context.Background(), record(i%60))
			_, _ = repo.Recent(context.Background(), 5)
		}(i)
	}
	wg.Wait()

	entries, err := repo.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 50, fmt.Sprintf("capacity holds, got %d", len(entries)))
}

func TestInMemoryRepository_AsServiceRecorder(t *testing.T) {
	repo := acquisitionlog.NewInMemoryRepository(10)
	svc := airquality.NewService(airquality.ServiceConfig{
		Strategies: nil,
		Recorder:   repo,
	})

	_, err := svc.Acquire(context.Background(), airquality.Query{Pollutant: "no2", BBox: "-59,-35,-58,-34"})
	require.Error(t, err)

	entries, err := repo.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "no2", entries[0].Pollutant)
	assert.NotEmpty(t, entries[0].Error)
}
