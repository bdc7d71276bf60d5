package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtile/upscaler/internal/client"
	"github.com/sdtile/upscaler/internal/model"
	"github.com/sdtile/upscaler/internal/pipeline"
	"github.com/sdtile/upscaler/internal/service"
	"github.com/sdtile/upscaler/internal/upscaler"
	"github.com/sdtile/upscaler/internal/websocket"
)

type memoryJobStore struct {
	mu       sync.Mutex
	jobs     map[string][]byte
	sources  map[string][]byte
	canceled map[string]bool

	// beforeSave runs ahead of every SaveJob, outside the lock.
	beforeSave func(job *model.Job)
}

func (m *memoryJobStore) SaveJob(ctx context.Context, job *model.Job) error {
	if m.beforeSave != nil {
		m.beforeSave(job)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = data
	return nil
}

func (m *memoryJobStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.jobs[jobID]
	if !ok {
		return nil, service.ErrJobNotFound
	}
	var job model.Job
	return &job, json.Unmarshal(data, &job)
}

func (m *memoryJobStore) SaveSource(ctx context.Context, jobID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[jobID] = data
	return nil
}

func (m *memoryJobStore) GetSource(ctx context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.sources[jobID]
	if !ok {
		return nil, service.ErrJobNotFound
	}
	return data, nil
}

func (m *memoryJobStore) DeleteSource(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, jobID)
	return nil
}

func (m *memoryJobStore) MarkCanceled(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled[jobID] = true
	return nil
}

func (m *memoryJobStore) IsCanceled(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled[jobID], nil
}

type captureQueue struct {
	tasks []*asynq.Task
}

func (q *captureQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type urlPersister struct {
	mu     sync.Mutex
	saved  int
	onSave func(out upscaler.Output)
}

func (p *urlPersister) Save(ctx context.Context, out upscaler.Output) (string, error) {
	if p.onSave != nil {
		p.onSave(out)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved++
	return fmt.Sprintf("mem://%s/%d/%d", out.JobID, out.Batch, out.Seed), nil
}

type workerFixture struct {
	store     *memoryJobStore
	svc       *service.UpscaleService
	worker    *UpscaleWorker
	queue     *captureQueue
	persister *urlPersister
	runner    *upscaler.Runner
}

func newWorkerFixture(t *testing.T, factory pipeline.Factory) *workerFixture {
	t.Helper()
	opts := upscaler.Options{TileSize: 8}
	status := upscaler.NewStatusTracker()
	store := &memoryJobStore{jobs: map[string][]byte{}, sources: map[string][]byte{}, canceled: map[string]bool{}}
	queue := &captureQueue{}
	svc := service.NewUpscaleService(store, queue, status, opts, 3)

	persister := &urlPersister{}
	runner := upscaler.NewRunner(pipeline.NewCache(), factory, persister, status, upscaler.RunnerConfig{TileSize: 8, Scale: 4})

	hub := websocket.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	return &workerFixture{
		store:     store,
		svc:       svc,
		worker:    NewUpscaleWorker(svc, runner, hub, opts),
		queue:     queue,
		persister: persister,
		runner:    runner,
	}
}

func (f *workerFixture) start(t *testing.T, batches int) string {
	t.Helper()
	encoded, err := client.EncodePNG(image.NewRGBA(image.Rect(0, 0, 16, 8)))
	require.NoError(t, err)

	resp, err := f.svc.StartUpscale(context.Background(), &model.UpscaleStartRequest{
		Prompt:      "a castle",
		Image:       encoded,
		Height:      8,
		Width:       16,
		Steps:       10,
		NoiseLevel:  20,
		Seed:        3,
		BatchCount:  batches,
		BatchSize:   1,
		Scheduler:   model.SchedulerEulerDiscrete,
		CustomModel: upscaler.NoneSelection,
		HFModelID:   upscaler.DefaultModelID,
		Precision:   model.PrecisionFP32,
		Device:      "cpu",
		MaxLength:   77,
	})
	require.NoError(t, err)
	return resp.JobID
}

func TestProcessTask_Succeeds(t *testing.T) {
	f := newWorkerFixture(t, client.ResampleFactory(4))
	jobID := f.start(t, 2)

	require.NoError(t, f.worker.ProcessTask(context.Background(), f.queue.tasks[0]))

	result, err := f.svc.GetResult(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, result.Status)
	require.Len(t, result.Images, 2)
	assert.Equal(t, 64, result.Images[0].Width)
	assert.Equal(t, 32, result.Images[0].Height)
	assert.Equal(t, int64(3), result.Images[0].Seed)
	assert.Contains(t, result.Log, "Total image generation time")
	assert.Equal(t, 2, f.persister.saved)
	assert.True(t, f.runner.Status().IsReady())
}

// otherInstance is a second API process sharing the store but not the
// worker's status tracker.
func (f *workerFixture) otherInstance() *service.UpscaleService {
	return service.NewUpscaleService(f.store, f.queue, upscaler.NewStatusTracker(), upscaler.Options{TileSize: 8}, 3)
}

// countingBackend wraps the resampling backend and fails the failAt-th call.
type countingBackend struct {
	mu     sync.Mutex
	calls  int
	failAt int
	inner  pipeline.Backend
}

func (b *countingBackend) Generate(ctx context.Context, tile image.Image, params pipeline.Params) ([]image.Image, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()
	if call == b.failAt {
		return nil, errors.New("device lost")
	}
	return b.inner.Generate(ctx, tile, params)
}

func (b *countingBackend) Close() error {
	return b.inner.Close()
}

func (b *countingBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestProcessTask_CanceledWhileQueued(t *testing.T) {
	calls := 0
	factory := func(ctx context.Context, cfg pipeline.Config) (pipeline.Backend, error) {
		calls++
		return client.NewResampleBackend(4), nil
	}
	f := newWorkerFixture(t, factory)
	jobID := f.start(t, 1)

	_, err := f.svc.CancelUpscale(context.Background(), jobID)
	require.NoError(t, err)

	require.NoError(t, f.worker.ProcessTask(context.Background(), f.queue.tasks[0]))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, f.persister.saved)
}

func TestProcessTask_BuildFailureFailsJob(t *testing.T) {
	factory := func(ctx context.Context, cfg pipeline.Config) (pipeline.Backend, error) {
		return nil, errors.New("no such device")
	}
	f := newWorkerFixture(t, factory)
	jobID := f.start(t, 1)

	err := f.worker.ProcessTask(context.Background(), f.queue.tasks[0])
	require.Error(t, err)

	var rbe *upscaler.ResourceBuildError
	assert.ErrorAs(t, err, &rbe)

	st, err := f.svc.GetStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Contains(t, *st.Error, "no such device")
}

func TestProcessTask_BadPayload(t *testing.T) {
	f := newWorkerFixture(t, client.ResampleFactory(4))

	err := f.worker.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeUpscale, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = f.worker.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeUpscale, []byte(`{"jobId":"missing"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRetryPolicy(t *testing.T) {
	busy := fmt.Errorf("attempt: %w", upscaler.ErrBusy)
	assert.False(t, IsFailure(busy))
	assert.True(t, IsFailure(errors.New("backend down")))

	delay := RetryDelay(7 * time.Second)
	assert.Equal(t, 7*time.Second, delay(5, busy, nil))
	assert.Greater(t, delay(1, errors.New("x"), asynq.NewTask("t", nil)), time.Duration(0))
}

func TestUpscaledItemsSkipsUnpersisted(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	items := upscaledItems([]upscaler.BatchResult{
		{Index: 0, Seed: 1, Image: img, URL: "a", Persisted: true},
		{Index: 1, Seed: 2, Image: img},
	})
	require.Len(t, items, 1)
	assert.Equal(t, model.UpscaledItem{Batch: 0, Seed: 1, URL: "a", Width: 4, Height: 2}, items[0])
}

func TestProcessTask_CancelRacesFirstRunningSave(t *testing.T) {
	f := newWorkerFixture(t, client.ResampleFactory(4))
	jobID := f.start(t, 5)
	other := f.otherInstance()

	fired := false
	f.store.beforeSave = func(job *model.Job) {
		if fired || job.Status != model.JobStatusRunning {
			return
		}
		fired = true
		// lands between the worker's read and its write of the running record
		_, err := other.CancelUpscale(context.Background(), jobID)
		require.NoError(t, err)
	}

	require.NoError(t, f.worker.ProcessTask(context.Background(), f.queue.tasks[0]))
	require.True(t, fired)

	result, err := f.svc.GetResult(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, result.Status)
	assert.Len(t, result.Images, 1)
	assert.True(t, f.runner.Status().IsReady())
}

func TestProcessTask_CancelFromOtherInstanceWhileRunning(t *testing.T) {
	f := newWorkerFixture(t, client.ResampleFactory(4))
	jobID := f.start(t, 5)
	other := f.otherInstance()

	f.persister.onSave = func(out upscaler.Output) {
		if out.Batch == 1 {
			_, err := other.CancelUpscale(context.Background(), jobID)
			require.NoError(t, err)
		}
	}

	require.NoError(t, f.worker.ProcessTask(context.Background(), f.queue.tasks[0]))

	result, err := f.svc.GetResult(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, result.Status)
	require.Len(t, result.Images, 2)
	assert.Equal(t, 0, result.Images[0].Batch)
	assert.Equal(t, 1, result.Images[1].Batch)
	assert.True(t, result.Complete)
	// batch 2 ran before the loop saw the cancel but was not stored
	assert.Equal(t, 2, f.persister.saved)
}

func TestProcessTask_RetryResumesAfterStoredBatches(t *testing.T) {
	// two tiles per batch: the fifth call is the first tile of batch 2
	backend := &countingBackend{failAt: 5, inner: client.NewResampleBackend(4)}
	factory := func(ctx context.Context, cfg pipeline.Config) (pipeline.Backend, error) {
		return backend, nil
	}
	f := newWorkerFixture(t, factory)
	jobID := f.start(t, 5)

	f.worker.attempt = func(ctx context.Context) (int, int) { return 0, 3 }
	err := f.worker.ProcessTask(context.Background(), f.queue.tasks[0])
	require.Error(t, err)

	first, err := f.svc.GetResult(context.Background(), jobID)
	require.NoError(t, err)
	assert.False(t, first.Complete)
	require.Len(t, first.Images, 2)

	f.worker.attempt = func(ctx context.Context) (int, int) { return 1, 3 }
	require.NoError(t, f.worker.ProcessTask(context.Background(), f.queue.tasks[0]))

	result, err := f.svc.GetResult(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, result.Status)
	require.Len(t, result.Images, 5)
	assert.Equal(t, first.Images, result.Images[:2])
	assert.Equal(t, int64(3), result.Images[0].Seed)
	for i, item := range result.Images {
		assert.Equal(t, i, item.Batch)
	}
	assert.Contains(t, result.Log, "resumed at batch 2")

	// batches 2 to 4 only, plus the failed call
	assert.Equal(t, 5+6, backend.callCount())
	assert.Equal(t, 5, f.persister.saved)

	st, err := f.svc.GetStatus(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RetryCount)
}
