package jobindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-ebook-pipeline/internal/manifest"
	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/objectstore"
)

type fixture struct {
	backend *objectstore.MemoryBackend
	objects *objectstore.Client
	store   *manifest.Store
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: objectstore.NewMemoryBackend(),
		clock:   time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.objects = objectstore.New(f.backend, objectstore.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	})
	f.store = manifest.NewStore(f.objects,
		manifest.WithLoadRetry(1, 0),
		manifest.WithClock(func() time.Time { return f.clock }),
	)
	return f
}

func (f *fixture) createJob(t *testing.T, id string, at time.Time) {
	t.Helper()
	f.clock = at
	_, err := f.store.CreateJobStatus(context.Background(), id, id+".pdf", "uploads/"+id+".pdf")
	require.NoError(t, err)
}

func TestListingIndexMatchesManifestKeysOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createJob(t, "job-1-aaaaaa", f.clock)
	f.createJob(t, "job-2-bbbbbb", f.clock)
	_, err := f.objects.Put(ctx, "jobs/job-1-aaaaaa/extract.json", []byte("{}"), objectstore.PutOptions{})
	require.NoError(t, err)
	_, err = f.objects.Put(ctx, "jobs/index.json", []byte(`{"ids":[]}`), objectstore.PutOptions{})
	require.NoError(t, err)
	_, err = f.objects.Put(ctx, "jobs/not-a-job/manifest.json", []byte("{}"), objectstore.PutOptions{})
	require.NoError(t, err)

	ids, err := NewListingIndex(f.objects).JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1-aaaaaa", "job-2-bbbbbb"}, ids)
}

func TestDocumentIndexAppendIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx := NewDocumentIndex(f.objects, nil)

	ids, err := idx.JobIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, idx.AppendJobID(ctx, "job-1-aaaaaa"))
	require.NoError(t, idx.AppendJobID(ctx, "job-1-aaaaaa"))
	require.NoError(t, idx.AppendJobID(ctx, "job-2-bbbbbb"))

	ids, err = idx.JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1-aaaaaa", "job-2-bbbbbb"}, ids)

	require.NoError(t, idx.RemoveJobID(ctx, "job-1-aaaaaa"))
	require.NoError(t, idx.RemoveJobID(ctx, "job-9-missing"))
	ids, err = idx.JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2-bbbbbb"}, ids)
}

// failingPuts rejects the first n writes.
type failingPuts struct {
	*objectstore.MemoryBackend
	mu sync.Mutex
	n  int
}

func (b *failingPuts) Put(ctx context.Context, key string, body []byte, contentType string, overwrite bool) (objectstore.Object, error) {
	b.mu.Lock()
	fail := b.n > 0
	if fail {
		b.n--
	}
	b.mu.Unlock()
	if fail {
		return objectstore.Object{}, errors.New("lost race")
	}
	return b.MemoryBackend.Put(ctx, key, body, contentType, overwrite)
}

func TestDocumentIndexRetriesLostWrites(t *testing.T) {
	backend := &failingPuts{MemoryBackend: objectstore.NewMemoryBackend(), n: 2}
	objects := objectstore.New(backend, objectstore.Options{WriteAttempts: 1})
	idx := NewDocumentIndex(objects, nil)
	idx.backoff = func(int) time.Duration { return time.Millisecond }

	require.NoError(t, idx.AppendJobID(context.Background(), "job-3-cccccc"))
	ids, err := idx.JobIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job-3-cccccc"}, ids)

	backend.n = 10
	err = idx.AppendJobID(context.Background(), "job-4-dddddd")
	assert.Error(t, err)
}

// clobberingPuts lets the first n index writes succeed but replaces them
// with a stale document, as a racing writer would.
type clobberingPuts struct {
	*objectstore.MemoryBackend
	mu   sync.Mutex
	n    int
	puts int
}

func (b *clobberingPuts) Put(ctx context.Context, key string, body []byte, contentType string, overwrite bool) (objectstore.Object, error) {
	b.mu.Lock()
	b.puts++
	clobber := key == DocumentKey && b.n > 0
	if clobber {
		b.n--
		body = []byte(`{"ids":["job-0-other"]}`)
	}
	b.mu.Unlock()
	return b.MemoryBackend.Put(ctx, key, body, contentType, overwrite)
}

func TestDocumentIndexReadsBackAfterWrite(t *testing.T) {
	backend := &clobberingPuts{MemoryBackend: objectstore.NewMemoryBackend(), n: 1}
	objects := objectstore.New(backend, objectstore.Options{WriteAttempts: 1})
	idx := NewDocumentIndex(objects, nil)
	idx.backoff = func(int) time.Duration { return time.Millisecond }

	require.NoError(t, idx.AppendJobID(context.Background(), "job-7-ggggggg"))
	assert.Equal(t, 2, backend.puts)
	ids, err := idx.JobIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job-0-other", "job-7-ggggggg"}, ids)
}

func TestIndexBackoffWindow(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		d := indexBackoff(attempt)
		lo := time.Duration(attempt) * 40 * time.Millisecond
		assert.GreaterOrEqual(t, d, lo)
		assert.Less(t, d, lo+50*time.Millisecond)
	}
}

func TestDocumentIndexAsRegistrar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx := NewDocumentIndex(f.objects, nil)
	store := manifest.NewStore(f.objects, manifest.WithRegistrar(idx))

	_, err := store.CreateJobStatus(ctx, "job-5-eeeeee", "", "uploads/e.pdf")
	require.NoError(t, err)
	ids, err := idx.JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-5-eeeeee"}, ids)
}

func TestCatalogSkipsUnreadableJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createJob(t, "job-1-aaaaaa", f.clock)
	f.createJob(t, "job-2-bbbbbb", f.clock.Add(time.Minute))
	_, err := f.objects.Put(ctx, manifest.ManifestKey("job-3-broken"), []byte(`{"id":`), objectstore.PutOptions{})
	require.NoError(t, err)

	catalog := NewCatalog(NewListingIndex(f.objects), f.store, nil)
	summaries, err := catalog.AllJobsSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		assert.Equal(t, models.StatusPending, s.Status)
	}
}

func TestListJobsPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.clock
	for i := 1; i <= 3; i++ {
		f.createJob(t, fmt.Sprintf("job-%d-abcdef", i), base.Add(time.Duration(i)*time.Hour))
	}
	catalog := NewCatalog(NewListingIndex(f.objects), f.store, nil)

	page1, err := catalog.ListJobs(ctx, ListOptions{Page: 1, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, page1.Jobs, 1)
	assert.True(t, page1.HasMore)
	assert.Equal(t, 3, page1.Total)
	assert.Equal(t, "job-3-abcdef", page1.Jobs[0].ID)

	page3, err := catalog.ListJobs(ctx, ListOptions{Page: 3, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, page3.Jobs, 1)
	assert.False(t, page3.HasMore)
	assert.Equal(t, "job-1-abcdef", page3.Jobs[0].ID)

	asc, err := catalog.ListJobs(ctx, ListOptions{Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, asc.PageSize)
	assert.Equal(t, "job-1-abcdef", asc.Jobs[0].ID)
}

func TestPaginateClampsOptions(t *testing.T) {
	res := Paginate(nil, ListOptions{Page: -4, PageSize: 5000})
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, MaxPageSize, res.PageSize)
	assert.NotNil(t, res.Jobs)
	assert.Empty(t, res.Jobs)

	res = Paginate([]models.Summary{{ID: "job-1-a"}}, ListOptions{PageSize: -3})
	assert.Equal(t, 1, res.PageSize)

	res = Paginate([]models.Summary{{ID: "job-1-a"}}, ListOptions{})
	assert.Equal(t, DefaultPageSize, res.PageSize)
	assert.Equal(t, 20, DefaultPageSize)

	res = Paginate([]models.Summary{{ID: "job-1-a"}}, ListOptions{Page: 9})
	assert.Empty(t, res.Jobs)
	assert.False(t, res.HasMore)
}

func TestReaperDeletesExpiredJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	f.createJob(t, "job-1-oldold", now.Add(-10*24*time.Hour))
	f.createJob(t, "job-2-fresh0", now.Add(-time.Hour))
	_, err := f.objects.Put(ctx, manifest.ArtifactKey("job-1-oldold", models.StepExtract, "page-1.txt"), []byte("x"), objectstore.PutOptions{})
	require.NoError(t, err)

	// unreadable manifest falls back to the object timestamp
	broken := manifest.ManifestKey("job-3-broken")
	_, err = f.objects.Put(ctx, broken, []byte("not json"), objectstore.PutOptions{})
	require.NoError(t, err)
	f.backend.SetModified(broken, now.Add(-8*24*time.Hour))

	idx := NewDocumentIndex(f.objects, nil)
	require.NoError(t, idx.AppendJobID(ctx, "job-1-oldold"))
	require.NoError(t, idx.AppendJobID(ctx, "job-2-fresh0"))

	reaper := NewReaper(f.store, 7*24*time.Hour, idx, nil)
	deleted, err := reaper.Reap(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := f.objects.List(ctx, manifest.JobsPrefix)
	require.NoError(t, err)
	var keys []string
	for _, obj := range remaining {
		keys = append(keys, obj.Key)
	}
	assert.ElementsMatch(t, []string{manifest.ManifestKey("job-2-fresh0"), DocumentKey}, keys)

	ids, err := idx.JobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2-fresh0"}, ids)
}

type countingRemover struct {
	ids []string
	err error
}

func (c *countingRemover) RemoveJobID(_ context.Context, id string) error {
	c.ids = append(c.ids, id)
	return c.err
}

func TestRemoversAttemptsEveryIndex(t *testing.T) {
	first := &countingRemover{err: errors.New("index busy")}
	second := &countingRemover{}
	err := Removers{first, nil, second}.RemoveJobID(context.Background(), "job-1-x")
	assert.Error(t, err)
	assert.Equal(t, []string{"job-1-x"}, first.ids)
	assert.Equal(t, []string{"job-1-x"}, second.ids)
}
