package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constelar/constelar/internal/airquality"
	"github.com/constelar/constelar/internal/worker"
)

type fakePrefetcher struct {
	mu       sync.Mutex
	requests []airquality.Request
	files    int
	failFor  string
}

func (f *fakePrefetcher) Prefetch(_ context.Context, req airquality.Request) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failFor != "" && req.BBox.String() == f.failFor {
		return 0, airquality.NewDataSourceError("cmr unavailable", nil)
	}
	return f.files, nil
}

type fakeCleaner struct{ calls atomic.Int32 }

func (c *fakeCleaner) Cleanup() { c.calls.Add(1) }

func newJob(p worker.Prefetcher, targets ...worker.Target) *worker.PrefetchJob {
	return worker.NewPrefetchJob(worker.PrefetchJobConfig{
		Config:     worker.PrefetchConfig{Targets: targets, Concurrency: 2, Timeout: time.Second},
		Logger:     zerolog.Nop(),
		Prefetcher: p,
		Resolver:   airquality.NewService(airquality.ServiceConfig{Logger: zerolog.Nop()}),
	})
}

func TestParseTargets(t *testing.T) {
	targets, err := worker.ParseTargets("Buenos Aires:O3:-58.6,-34.7,-58.2,-34.5; Lima:ozone:-77.2,-12.2,-76.8,-11.9")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "Buenos Aires", targets[0].Name)
	assert.Equal(t, "o3", targets[0].Pollutant)
	assert.Equal(t, -58.6, targets[0].BBox.West)
	assert.Equal(t, "o3", targets[1].Pollutant)

	defaults, err := worker.ParseTargets("")
	require.NoError(t, err)
	assert.Equal(t, worker.DefaultTargets(), defaults)

	_, err = worker.ParseTargets("nowhere:no2")
	assert.Error(t, err)
	_, err = worker.ParseTargets("inverted:no2:10,0,5,1")
	assert.ErrorIs(t, err, airquality.ErrValidation)
	_, err = worker.ParseTargets(" ; ")
	assert.Error(t, err)
}

func TestDefaultTargets_AreValid(t *testing.T) {
	for _, target := range worker.DefaultTargets() {
		assert.NoError(t, target.BBox.Validate(), target.Name)
		assert.NotEmpty(t, target.Pollutant, target.Name)
	}
}

func TestPrefetchJob_Run(t *testing.T) {
	fp := &fakePrefetcher{files: 3, failFor: "1,1,2,2"}
	job := newJob(fp,
		worker.Target{Name: "a", Pollutant: "no2", BBox: airquality.BoundingBox{West: 0, South: 0, East: 1, North: 1}},
		worker.Target{Name: "b", Pollutant: "hcho", BBox: airquality.BoundingBox{West: 1, South: 1, East: 2, North: 2}},
		worker.Target{Name: "c", Pollutant: "o3", BBox: airquality.BoundingBox{West: 2, South: 2, East: 3, North: 3}},
	)

	result := job.Run(context.Background())

	assert.Equal(t, 3, result.Targets)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 6, result.Files)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b", result.Errors[0].Target)
	assert.Len(t, fp.requests, 3)

	metrics := job.MetricsSnapshot()
	assert.Equal(t, int64(1), metrics["total_runs"])
	assert.Equal(t, int64(6), metrics["files"])
}

func TestPrefetchJob_UnknownPollutantFailsTarget(t *testing.T) {
	fp := &fakePrefetcher{}
	job := newJob(fp, worker.Target{Name: "x", Pollutant: "pm25", BBox: airquality.BoundingBox{West: 0, South: 0, East: 1, North: 1}})

	result := job.Run(context.Background())
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, fp.requests)
}

func TestDispatcher_Prefetch(t *testing.T) {
	fp := &fakePrefetcher{files: 1}
	d := worker.NewDispatcher(newJob(fp), nil, zerolog.Nop())

	ack, err := d.Dispatch(context.Background(), []byte(`{
		"job_type": "prefetch",
		"pollutant": "NO2",
		"bbox": "-99.4,19.2,-98.9,19.6",
		"start": "2024-08-01T00:00:00Z",
		"end": "2024-08-02T00:00:00Z"
	}`))
	require.NoError(t, err)
	assert.True(t, ack)

	require.Len(t, fp.requests, 1)
	req := fp.requests[0]
	assert.Equal(t, "no2", req.Pollutant.Name)
	assert.Equal(t, "-99.4,19.2,-98.9,19.6", req.BBox.String())
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), req.Window.Start)
	assert.Equal(t, time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC), req.Window.End)
}

func TestDispatcher_PrefetchWithoutRegionRunsTargets(t *testing.T) {
	fp := &fakePrefetcher{}
	d := worker.NewDispatcher(newJob(fp), nil, zerolog.Nop())

	ack, err := d.Dispatch(context.Background(), []byte(`{"job_type":"prefetch"}`))
	require.NoError(t, err)
	assert.True(t, ack)
	assert.Len(t, fp.requests, len(worker.DefaultTargets()))
}

func TestDispatcher_Outcomes(t *testing.T) {
	cleaner := &fakeCleaner{}
	fp := &fakePrefetcher{}
	d := worker.NewDispatcher(newJob(fp), cleaner, zerolog.Nop())
	ctx := context.Background()

	ack, err := d.Dispatch(ctx, []byte(`{"job_type":"cache_cleanup"}`))
	require.NoError(t, err)
	assert.True(t, ack)
	assert.Equal(t, int32(1), cleaner.calls.Load())

	ack, err = d.Dispatch(ctx, []byte(`{"job_type":"reindex"}`))
	require.NoError(t, err)
	assert.True(t, ack, "unknown job types are acked")

	ack, err = d.Dispatch(ctx, []byte(`not json`))
	assert.False(t, ack)
	assert.True(t, errors.Is(err, worker.ErrMalformedMessage))

	ack, err = d.Dispatch(ctx, []byte(`{"job_type":"prefetch","pollutant":"no2","bbox":"0,0,1,1","start":"someday"}`))
	assert.False(t, ack)
	assert.ErrorIs(t, err, worker.ErrMalformedMessage)

	ack, err = d.Dispatch(ctx, []byte(`{"job_type":"prefetch","pollutant":"no2","bbox":"1,0,0,1"}`))
	assert.False(t, ack)
	assert.ErrorIs(t, err, airquality.ErrValidation)

	ack, err = d.Dispatch(ctx, []byte(`{"job_type":"health_check"}`))
	require.NoError(t, err)
	assert.True(t, ack)
}

func TestDispatcher_Unconfigured(t *testing.T) {
	d := worker.NewDispatcher(nil, nil, zerolog.Nop())

	ack, err := d.Dispatch(context.Background(), []byte(`{"job_type":"cache_cleanup"}`))
	assert.False(t, ack)
	assert.Error(t, err)

	ack, err = d.Dispatch(context.Background(), []byte(`{"job_type":"prefetch"}`))
	assert.False(t, ack)
	assert.Error(t, err)
}

func TestScheduler_RunsCleanup(t *testing.T) {
	cleaner := &fakeCleaner{}
	s := worker.NewScheduler(worker.SchedulerConfig{
		Cache:           cleaner,
		CleanupInterval: time.Hour,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 1, s.Jobs())
	assert.Eventually(t, func() bool { return cleaner.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_PrefetchJob(t *testing.T) {
	fp := &fakePrefetcher{}
	s := worker.NewScheduler(worker.SchedulerConfig{
		Cache:            &fakeCleaner{},
		Prefetch:         newJob(fp, worker.DefaultTargets()[0]),
		PrefetchInterval: time.Hour,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 2, s.Jobs())
}
