package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/docparse"
	"github.com/fyrsmithlabs/dialogd/internal/filestore"
)

type fakeStore struct {
	sources  map[string]*Source
	inserted []*Source
}

func newFakeStore() *fakeStore {
	return &fakeStore{sources: map[string]*Source{}}
}

func (f *fakeStore) key(ownerID, sourceID string) string {
	return ownerID + "/" + sourceID
}

func (f *fakeStore) ListByOwner(_ context.Context, ownerID string) ([]Source, error) {
	var out []Source
	for _, src := range f.sources {
		if src.OwnerID == ownerID {
			out = append(out, *src)
		}
	}
	return out, nil
}

func (f *fakeStore) Insert(_ context.Context, src *Source) error {
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now
	f.sources[f.key(src.OwnerID, src.SourceID)] = src
	f.inserted = append(f.inserted, src)
	return nil
}

func (f *fakeStore) GetOne(_ context.Context, ownerID, sourceID string) (*Source, error) {
	src, ok := f.sources[f.key(ownerID, sourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return src, nil
}

func (f *fakeStore) UpdateMetadata(_ context.Context, ownerID, sourceID string, updates Metadata, status *Status, progress *int) error {
	src, ok := f.sources[f.key(ownerID, sourceID)]
	if !ok {
		return nil
	}
	if src.Metadata == nil {
		src.Metadata = Metadata{}
	}
	for k, v := range updates {
		src.Metadata[k] = v
	}
	if status != nil {
		src.Status = *status
	}
	if progress != nil {
		src.Progress = *progress
	}
	return nil
}

func (f *fakeStore) UpdateScalars(_ context.Context, ownerID, sourceID string, title, uri *string) error {
	src, ok := f.sources[f.key(ownerID, sourceID)]
	if !ok {
		return nil
	}
	if title != nil {
		src.Title = *title
	}
	if uri != nil {
		src.URI = *uri
	}
	return nil
}

func (f *fakeStore) MarkReindexRequested(_ context.Context, ownerID, sourceID string, updates Metadata) (bool, error) {
	src, ok := f.sources[f.key(ownerID, sourceID)]
	if !ok {
		return false, nil
	}
	if src.Status == StatusPending || src.Status == StatusIndexing {
		return false, nil
	}
	if src.Metadata == nil {
		src.Metadata = Metadata{}
	}
	for k, v := range updates {
		src.Metadata[k] = v
	}
	src.Status = StatusPending
	src.Progress = 0
	return true, nil
}

func (f *fakeStore) Delete(_ context.Context, ownerID, sourceID string) error {
	delete(f.sources, f.key(ownerID, sourceID))
	return nil
}

type fakeScheduler struct {
	jobs []IndexJob
	err  error
}

func (f *fakeScheduler) Schedule(_ context.Context, job IndexJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeDeleter struct {
	calls []string
	err   error
}

func (f *fakeDeleter) DeleteForSource(_ context.Context, ownerID, sourceID string) error {
	f.calls = append(f.calls, ownerID+"/"+sourceID)
	return f.err
}

type serviceFixture struct {
	svc     *Service
	store   *fakeStore
	sched   *fakeScheduler
	deleter *fakeDeleter
	files   *filestore.Store
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	// Keep external document converters out of reach so parsing is
	// deterministic.
	t.Setenv("PATH", t.TempDir())

	files, err := filestore.New(t.TempDir(), MaxUploadBytes, zap.NewNop())
	require.NoError(t, err)

	f := &serviceFixture{
		store:   newFakeStore(),
		sched:   &fakeScheduler{},
		deleter: &fakeDeleter{},
		files:   files,
	}
	f.svc = NewService(f.store, files, docparse.New(zap.NewNop()), f.deleter, f.sched, zap.NewNop())
	return f
}

func (f *serviceFixture) seed(src *Source) {
	if src.Metadata == nil {
		src.Metadata = Metadata{}
	}
	f.store.sources[f.store.key(src.OwnerID, src.SourceID)] = src
}

func TestCreateSourceText(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CreateSource(context.Background(), "owner-1", CreateSourceRequest{Type: TypeText})
	require.ErrorIs(t, err, ErrMissingContent)

	id, err := f.svc.CreateSource(context.Background(), "owner-1", CreateSourceRequest{
		Type:    TypeText,
		Title:   "Правила возврата",
		URI:     "https://ignored.example",
		Content: "Возврат в течение 14 дней.",
	})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	src, err := f.store.GetOne(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, TypeText, src.Type)
	assert.Equal(t, StatusReady, src.Status)
	assert.Equal(t, 100, src.Progress)
	assert.Empty(t, src.URI)
	assert.Equal(t, "Возврат в течение 14 дней.", src.Metadata.String(MetaText))
}

func TestCreateSourceURLAndSite(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CreateSource(context.Background(), "owner-1", CreateSourceRequest{Type: TypeURL})
	require.ErrorIs(t, err, ErrMissingURI)

	id, err := f.svc.CreateSource(context.Background(), "owner-1", CreateSourceRequest{
		URI: "https://example.com/faq",
	})
	require.NoError(t, err)
	src, err := f.store.GetOne(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, TypeURL, src.Type)
	assert.Equal(t, "https://example.com/faq", src.Title)
	assert.Equal(t, StatusPending, src.Status)

	siteID, err := f.svc.CreateSource(context.Background(), "owner-1", CreateSourceRequest{
		Type: TypeSite,
		URI:  "https://example.com",
	})
	require.NoError(t, err)
	site, err := f.store.GetOne(context.Background(), "owner-1", siteID)
	require.NoError(t, err)
	assert.Equal(t, "site", site.Metadata.String(MetaCrawlType))
}

func TestCreateSourceUnsupportedType(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.CreateSource(context.Background(), "owner-1", CreateSourceRequest{
		Type:    SourceType("carrier_pigeon"),
		Content: "coo",
	})
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCreateSourceClampsContent(t *testing.T) {
	f := newServiceFixture(t)

	id, err := f.svc.CreateSource(context.Background(), "owner-1", CreateSourceRequest{
		Type:    TypeText,
		Content: strings.Repeat("a", MaxPreviewChars+500),
	})
	require.NoError(t, err)
	src, err := f.store.GetOne(context.Background(), "owner-1", id)
	require.NoError(t, err)
	assert.Len(t, src.Metadata.String(MetaText), MaxPreviewChars)
}

func TestUploadTextFile(t *testing.T) {
	f := newServiceFixture(t)

	res, err := f.svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename:    "инструкция.txt",
		ContentType: "text/plain",
		Reader:      strings.NewReader("Возврат оформляется через личный кабинет."),
	}, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.SourceID)
	assert.Equal(t, "/knowledge/file/"+res.SourceID, res.FileURL)

	src, err := f.store.GetOne(context.Background(), "owner-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, TypeFile, src.Type)
	assert.Equal(t, StatusReady, src.Status)
	assert.Equal(t, 100, src.Progress)
	assert.Equal(t, "инструкция.txt", src.Metadata.String(MetaOrigFilename))
	assert.Equal(t, "Возврат оформляется через личный кабинет.",
		src.Metadata.String(MetaExtractedText))

	savedPath := src.SavedPath()
	require.NotEmpty(t, savedPath)
	_, err = os.Stat(savedPath)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}_`), filepath.Base(savedPath))

	require.Len(t, f.sched.jobs, 1)
	assert.Equal(t, res.SourceID, f.sched.jobs[0].SourceID)
	assert.Equal(t, savedPath, f.sched.jobs[0].SavedPath)
}

func TestUploadPDFIsOwnPreview(t *testing.T) {
	f := newServiceFixture(t)

	res, err := f.svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Reader:      strings.NewReader("%PDF-1.4 not really"),
	}, "")
	require.NoError(t, err)

	src, err := f.store.GetOne(context.Background(), "owner-1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, src.Status)
	assert.Equal(t, src.SavedPath(), src.Metadata.String(MetaPreviewPDF))
	assert.Equal(t, "/knowledge/file/"+res.SourceID+"?format=pdf",
		src.Metadata.String(MetaPreviewPDFURL))
	assert.Equal(t, "ok", src.Metadata.String(MetaPreviewPDFGen))
	assert.False(t, src.Metadata.Has(MetaExtractedText))
}

func TestUploadRejectsImages(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename: "photo.png",
		Reader:   strings.NewReader("png bytes"),
	}, "")
	require.ErrorIs(t, err, ErrImagesNotAllowed)

	_, err = f.svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename:    "camera.bin",
		ContentType: "image/jpeg",
		Reader:      strings.NewReader("jpeg bytes"),
	}, "")
	require.ErrorIs(t, err, ErrImagesNotAllowed)

	assert.Empty(t, f.store.inserted)
	assert.Empty(t, f.sched.jobs)
}

func TestUploadFileTooLarge(t *testing.T) {
	f := newServiceFixture(t)
	files, err := filestore.New(t.TempDir(), 10, zap.NewNop())
	require.NoError(t, err)
	svc := NewService(f.store, files, docparse.New(zap.NewNop()), nil, f.sched, zap.NewNop())

	_, err = svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename: "big.txt",
		Reader:   strings.NewReader(strings.Repeat("x", 100)),
	}, "")
	require.ErrorIs(t, err, ErrFileTooLarge)
	assert.Empty(t, f.store.inserted)
}

func TestUploadAssociateTargetMissing(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename: "doc.txt",
		Reader:   strings.NewReader("text"),
	}, "no-such-source")
	require.ErrorIs(t, err, ErrAssociateTargetNotFound)

	// The orphaned upload is cleaned up.
	entries, err := os.ReadDir(f.files.BaseDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadAssociateUpdatesTarget(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "target-1", Type: TypeURL,
		URI: "https://example.com", Title: "FAQ", Status: StatusPending,
	})

	res, err := f.svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename:    "faq.txt",
		ContentType: "text/plain",
		Reader:      strings.NewReader("answers"),
	}, "target-1")
	require.NoError(t, err)
	assert.Equal(t, "target-1", res.SourceID)
	assert.Empty(t, f.store.inserted)

	src, err := f.store.GetOne(context.Background(), "owner-1", "target-1")
	require.NoError(t, err)
	assert.Equal(t, TypeURL, src.Type)
	assert.Equal(t, StatusReady, src.Status)
	assert.NotEmpty(t, src.SavedPath())
	assert.Equal(t, "faq.txt", src.Metadata.String(MetaOrigFilename))

	require.Len(t, f.sched.jobs, 1)
	assert.Equal(t, "target-1", f.sched.jobs[0].SourceID)
}

func TestUploadScheduleFailureMarksSource(t *testing.T) {
	f := newServiceFixture(t)
	f.sched.err = errors.New("queue unavailable")

	_, err := f.svc.UploadFile(context.Background(), "owner-1", Upload{
		Filename: "data.bin",
		Reader:   strings.NewReader("opaque"),
	}, "")
	require.ErrorIs(t, err, ErrScheduleFailed)

	require.Len(t, f.store.inserted, 1)
	src := f.store.inserted[0]
	assert.Equal(t, StatusError, src.Status)
	assert.Equal(t, 0, src.Progress)
	assert.True(t, src.Metadata.Has(MetaScheduleFailed))
}

func TestReindexSource(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile,
		Title: "doc.txt", Status: StatusReady, Progress: 100,
		Metadata: Metadata{MetaSavedPath: "/data/uploads/abc_doc.txt"},
	})

	res, err := f.svc.ReindexSource(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.True(t, res.Queued)

	src, err := f.store.GetOne(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, src.Status)
	assert.Equal(t, 0, src.Progress)
	assert.True(t, src.Metadata.Has(MetaReindexAt))

	assert.Equal(t, []string{"owner-1/s1"}, f.deleter.calls)
	require.Len(t, f.sched.jobs, 1)
	assert.Equal(t, "/data/uploads/abc_doc.txt", f.sched.jobs[0].SavedPath)
	assert.Equal(t, "doc.txt", f.sched.jobs[0].Title)
}

func TestReindexAlreadyQueued(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile,
		Status:   StatusIndexing,
		Metadata: Metadata{MetaSavedPath: "/data/uploads/abc_doc.txt"},
	})

	res, err := f.svc.ReindexSource(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, "already_pending_or_indexing", res.Message)
	assert.Empty(t, f.sched.jobs)
	assert.Empty(t, f.deleter.calls)
}

// syncedStore serializes fakeStore access so concurrent requests hit
// the conditional admission atomically, the way the SQL store's
// guarded UPDATE does.
type syncedStore struct {
	mu sync.Mutex
	*fakeStore
}

func (s *syncedStore) GetOne(ctx context.Context, ownerID, sourceID string) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.fakeStore.GetOne(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}
	cp := *src
	cp.Metadata = Metadata{}
	for k, v := range src.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

func (s *syncedStore) MarkReindexRequested(ctx context.Context, ownerID, sourceID string, updates Metadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fakeStore.MarkReindexRequested(ctx, ownerID, sourceID, updates)
}

type countingScheduler struct {
	mu   sync.Mutex
	jobs int
}

func (s *countingScheduler) Schedule(context.Context, IndexJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs++
	return nil
}

type countingDeleter struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDeleter) DeleteForSource(context.Context, string, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

func TestReindexConcurrentRequests(t *testing.T) {
	files, err := filestore.New(t.TempDir(), MaxUploadBytes, zap.NewNop())
	require.NoError(t, err)

	store := &syncedStore{fakeStore: newFakeStore()}
	store.sources[store.key("owner-1", "s1")] = &Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile,
		Status: StatusReady, Progress: 100,
		Metadata: Metadata{MetaSavedPath: "/data/uploads/abc_doc.txt"},
	}
	sched := &countingScheduler{}
	deleter := &countingDeleter{}
	svc := NewService(store, files, docparse.New(zap.NewNop()), deleter, sched, zap.NewNop())

	const callers = 5
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results [callers]*ReindexResult
		errs    [callers]error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.ReindexSource(context.Background(), "owner-1", "s1")
		}(i)
	}
	close(start)
	wg.Wait()

	queued, rejected := 0, 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if results[i].Queued {
			queued++
			continue
		}
		assert.Equal(t, "already_pending_or_indexing", results[i].Message)
		rejected++
	}
	assert.Equal(t, 1, queued, "exactly one request wins the mark")
	assert.Equal(t, callers-1, rejected)

	sched.mu.Lock()
	assert.Equal(t, 1, sched.jobs)
	sched.mu.Unlock()
	deleter.mu.Lock()
	assert.Equal(t, 1, deleter.calls)
	deleter.mu.Unlock()
}

func TestReindexFileWithoutDiskCopy(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusError,
	})

	_, err := f.svc.ReindexSource(context.Background(), "owner-1", "s1")
	require.ErrorIs(t, err, ErrNoFileOnDisk)
}

func TestReindexURLRequiresCrawler(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeSite,
		URI: "https://example.com", Status: StatusReady,
	})

	res, err := f.svc.ReindexSource(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, "reindex_requires_crawler", res.Message)
}

func TestReindexCrawledPageFromDisk(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeURL,
		URI: "https://example.com/faq", Status: StatusReady,
		Metadata: Metadata{MetaSavedPath: "/data/uploads/page.html"},
	})

	res, err := f.svc.ReindexSource(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.Len(t, f.sched.jobs, 1)
}

func TestReindexMissingSource(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.ReindexSource(context.Background(), "owner-1", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSource(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeText,
		Title: "Old", Status: StatusReady, Progress: 100,
		Metadata: Metadata{MetaText: "old text"},
	})

	err := f.svc.UpdateSource(context.Background(), "owner-1", "", UpdateFields{})
	require.ErrorIs(t, err, ErrMissingSourceID)

	title := "New title"
	content := "новое содержимое"
	err = f.svc.UpdateSource(context.Background(), "owner-1", "s1", UpdateFields{
		Title:   &title,
		Content: &content,
		Meta:    Metadata{"reviewed": true},
	})
	require.NoError(t, err)

	src, err := f.store.GetOne(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "New title", src.Title)
	assert.Equal(t, "новое содержимое", src.Metadata.String(MetaText))
	assert.Equal(t, StatusReady, src.Status)
	assert.Equal(t, 100, src.Progress)
	assert.True(t, src.Metadata.Has("reviewed"))
}

func TestRemoveSource(t *testing.T) {
	f := newServiceFixture(t)

	err := f.svc.RemoveSource(context.Background(), "owner-1", "nope")
	require.ErrorIs(t, err, ErrNotFound)

	savedPath, err := f.files.SaveStream("abc_doc.txt", strings.NewReader("text"))
	require.NoError(t, err)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile,
		Status: StatusReady, Metadata: Metadata{MetaSavedPath: savedPath},
	})

	err = f.svc.RemoveSource(context.Background(), "owner-1", "s1")
	require.NoError(t, err)

	_, err = f.store.GetOne(context.Background(), "owner-1", "s1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(savedPath)
	require.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{"owner-1/s1"}, f.deleter.calls)
}

func TestRemoveSourceSurvivesIndexFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.deleter.err = errors.New("index down")
	f.seed(&Source{OwnerID: "owner-1", SourceID: "s1", Type: TypeText, Status: StatusReady})

	err := f.svc.RemoveSource(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	_, err = f.store.GetOne(context.Background(), "owner-1", "s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetDownloadInfo(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{OwnerID: "owner-1", SourceID: "no-file", Type: TypeFile, Status: StatusReady})

	_, err := f.svc.GetDownloadInfo(context.Background(), "owner-1", "no-file")
	require.ErrorIs(t, err, ErrFileNotFound)

	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "gone", Type: TypeFile, Status: StatusReady,
		Metadata: Metadata{MetaSavedPath: "/nowhere/abc_doc.txt"},
	})
	_, err = f.svc.GetDownloadInfo(context.Background(), "owner-1", "gone")
	require.ErrorIs(t, err, ErrFileNotFound)

	savedPath, err := f.files.SaveStream("abc_отчет.txt", strings.NewReader("отчет"))
	require.NoError(t, err)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusReady,
		Metadata: Metadata{
			MetaSavedPath:    savedPath,
			MetaOrigFilename: "отчет.txt",
		},
	})

	info, err := f.svc.GetDownloadInfo(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, savedPath, info.SavedPath)
	assert.Equal(t, "отчет.txt", info.Filename)
	assert.True(t, strings.HasPrefix(info.MediaType, "text/plain"))
}

func TestGetDownloadInfoFilenameFallbacks(t *testing.T) {
	f := newServiceFixture(t)

	savedPath, err := f.files.SaveStream("abc_doc.txt", strings.NewReader("text"))
	require.NoError(t, err)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusReady,
		Title:    "Инструкция",
		Metadata: Metadata{MetaSavedPath: savedPath},
	})

	info, err := f.svc.GetDownloadInfo(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Инструкция", info.Filename)
}

func TestGetViewText(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeText,
		Title: "Правила", Status: StatusReady,
		Metadata: Metadata{MetaText: "Возврат в течение 14 дней."},
	})

	view, err := f.svc.GetView(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.True(t, view.OK)
	assert.Equal(t, "text", view.Type)
	assert.Equal(t, "Возврат в течение 14 дней.", view.Content)
}

func TestGetViewFile(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile,
		Title: "doc.pdf", Status: StatusReady,
		Metadata: Metadata{
			MetaExtractedText: "extracted",
			MetaOCRText:       "from ocr",
			MetaPreviewPDFGen: "ok",
		},
	})

	view, err := f.svc.GetView(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "file", view.Type)
	assert.Equal(t, "/knowledge/file/s1", view.FileURL)
	assert.Equal(t, "/knowledge/file/s1?format=pdf", view.PreviewPDFURL)
	assert.Equal(t, "/knowledge/download/s1", view.DownloadURL)
	require.Len(t, view.Downloads, 2)
	assert.Equal(t, DownloadLink{Label: "Оригинал", URL: "/knowledge/download/s1"}, view.Downloads[0])
	assert.Equal(t, DownloadLink{Label: "PDF", URL: "/knowledge/file/s1?format=pdf"}, view.Downloads[1])
	assert.Equal(t, "extracted", view.ExtractedText)
	assert.Equal(t, "ok", view.PreviewPDFGen)
}

func TestGetViewURL(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeSite,
		URI: "https://example.com", Status: StatusPending,
	})

	view, err := f.svc.GetView(context.Background(), "owner-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "url", view.Type)
	assert.Equal(t, "https://example.com", view.URI)
	assert.Equal(t, "https://example.com", view.Title)
}

func TestGetViewErrors(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.GetView(context.Background(), "owner-1", "")
	require.ErrorIs(t, err, ErrMissingSourceID)

	_, err = f.svc.GetView(context.Background(), "owner-1", "nope")
	require.ErrorIs(t, err, ErrNotFound)

	f.seed(&Source{OwnerID: "owner-1", SourceID: "s1", Type: SourceType("weird")})
	_, err = f.svc.GetView(context.Background(), "owner-1", "s1")
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestServeOriginalPDF(t *testing.T) {
	f := newServiceFixture(t)
	savedPath, err := f.files.SaveStream("abc_report.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusReady,
		Metadata: Metadata{MetaSavedPath: savedPath, MetaOrigFilename: "report.pdf"},
	})

	res, err := f.svc.GetFileForServing(context.Background(), "owner-1", "s1", "pdf")
	require.NoError(t, err)
	assert.Equal(t, ServeFile, res.Mode)
	assert.Equal(t, savedPath, res.Path)
	assert.Equal(t, "application/pdf", res.MediaType)
	assert.Equal(t, `inline; filename="report.pdf"`, res.ContentDisposition)
}

func TestServeStoredPreviewPDF(t *testing.T) {
	f := newServiceFixture(t)
	savedPath, err := f.files.SaveStream("abc_doc.docx", strings.NewReader("docx bytes"))
	require.NoError(t, err)
	previewPath := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(previewPath, []byte("%PDF-1.4"), 0o600))
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusReady,
		Metadata: Metadata{MetaSavedPath: savedPath, MetaPreviewPDF: previewPath},
	})

	res, err := f.svc.GetFileForServing(context.Background(), "owner-1", "s1", "pdf")
	require.NoError(t, err)
	assert.Equal(t, ServeFile, res.Mode)
	assert.Equal(t, previewPath, res.Path)
}

func TestServePDFPlaceholderWithoutConverter(t *testing.T) {
	f := newServiceFixture(t)
	savedPath, err := f.files.SaveStream("abc_doc.docx", strings.NewReader("docx bytes"))
	require.NoError(t, err)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusReady,
		Metadata: Metadata{MetaSavedPath: savedPath, MetaOrigFilename: "доклад.docx"},
	})

	res, err := f.svc.GetFileForServing(context.Background(), "owner-1", "s1", "pdf")
	require.NoError(t, err)
	assert.Equal(t, ServeHTML, res.Mode)
	assert.Contains(t, res.HTML, "Скачать оригинал")
	assert.Contains(t, res.HTML, "/knowledge/download/s1")
	assert.Contains(t, res.HTML, "доклад.docx")
}

func TestServeInlineTypes(t *testing.T) {
	f := newServiceFixture(t)

	cases := []struct {
		name      string
		mediaType string
	}{
		{"abc_notes.txt", "text/plain"},
		{"abc_page.html", "text/html"},
		{"abc_readme.md", "text/plain"},
	}
	for _, tc := range cases {
		savedPath, err := f.files.SaveStream(tc.name, strings.NewReader("body"))
		require.NoError(t, err)
		f.seed(&Source{
			OwnerID: "owner-1", SourceID: tc.name, Type: TypeFile, Status: StatusReady,
			Metadata: Metadata{MetaSavedPath: savedPath},
		})

		res, err := f.svc.GetFileForServing(context.Background(), "owner-1", tc.name, "")
		require.NoError(t, err)
		assert.Equal(t, ServeFile, res.Mode, tc.name)
		assert.Equal(t, tc.mediaType, res.MediaType, tc.name)
	}
}

func TestServeUnknownTypePlaceholder(t *testing.T) {
	f := newServiceFixture(t)
	savedPath, err := f.files.SaveStream("abc_archive.zip", strings.NewReader("zip"))
	require.NoError(t, err)
	f.seed(&Source{
		OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusReady,
		Metadata: Metadata{MetaSavedPath: savedPath},
	})

	res, err := f.svc.GetFileForServing(context.Background(), "owner-1", "s1", "")
	require.NoError(t, err)
	assert.Equal(t, ServeHTML, res.Mode)
	assert.Contains(t, res.HTML, "недоступен в браузере")
}

func TestServeMissingFile(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(&Source{OwnerID: "owner-1", SourceID: "s1", Type: TypeFile, Status: StatusReady})

	_, err := f.svc.GetFileForServing(context.Background(), "owner-1", "s1", "")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestContentDispositionInline(t *testing.T) {
	assert.Equal(t, `inline; filename="report.pdf"`, contentDispositionInline("report.pdf"))

	got := contentDispositionInline("отчет.pdf")
	assert.True(t, strings.HasPrefix(got, "inline; filename*=UTF-8''"))
	assert.NotContains(t, got, "отчет")
}

func TestClampText(t *testing.T) {
	assert.Equal(t, "short", clampText("short", 10))

	clamped := clampText(strings.Repeat("я", 10), 5)
	assert.True(t, utf8.ValidString(clamped))
	assert.Equal(t, "яя", clamped)
}

func TestPlaceholderHTMLEscapesFilename(t *testing.T) {
	got := placeholderHTML(`<script>alert("x")</script>`, "s1", "msg")
	assert.NotContains(t, got, "<script>")
	assert.Contains(t, got, "&lt;script&gt;")
}
