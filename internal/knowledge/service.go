package knowledge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/docparse"
	"github.com/fyrsmithlabs/dialogd/internal/filestore"
	"github.com/fyrsmithlabs/dialogd/internal/secrets"
)

var tracer = otel.Tracer("dialogd.knowledge")

const (
	// MaxPreviewChars caps extracted text stored in metadata.
	MaxPreviewChars = 200_000
	// MaxUploadBytes caps the size of one uploaded file.
	MaxUploadBytes = 50 << 20
)

// Error codes surfaced to API clients. The text is the wire code.
var (
	ErrMissingContent          = errors.New("missing_content")
	ErrMissingURI              = errors.New("missing_uri")
	ErrMissingSourceID         = errors.New("missing_source_id")
	ErrImagesNotAllowed        = errors.New("images_not_allowed")
	ErrFileTooLarge            = errors.New("file_too_large")
	ErrScheduleFailed          = errors.New("schedule_failed")
	ErrAssociateTargetNotFound = errors.New("associate_target_not_found")
	ErrNoFileOnDisk            = errors.New("no_file_on_disk")
	ErrFileNotFound            = errors.New("file_not_found")
	ErrUnsupportedType         = errors.New("unsupported_type")
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".webp": true, ".svg": true, ".tiff": true, ".tif": true,
}

// Extensions read directly as text instead of going through a parser.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".json": true,
	".html": true, ".htm": true, ".css": true, ".csv": true, ".ts": true,
	".java": true, ".c": true, ".cpp": true, ".ini": true, ".cfg": true,
}

// Store is the persistence surface the service needs. *Repository implements
// it against Postgres.
type Store interface {
	ListByOwner(ctx context.Context, ownerID string) ([]Source, error)
	Insert(ctx context.Context, src *Source) error
	GetOne(ctx context.Context, ownerID, sourceID string) (*Source, error)
	UpdateMetadata(ctx context.Context, ownerID, sourceID string, updates Metadata, status *Status, progress *int) error
	UpdateScalars(ctx context.Context, ownerID, sourceID string, title, uri *string) error
	MarkReindexRequested(ctx context.Context, ownerID, sourceID string, updates Metadata) (bool, error)
	Delete(ctx context.Context, ownerID, sourceID string) error
}

// PointDeleter removes index points of a source. Deletions are best-effort;
// a failure never blocks the owning operation.
type PointDeleter interface {
	DeleteForSource(ctx context.Context, ownerID, sourceID string) error
}

// IndexJob identifies one source to (re)index.
type IndexJob struct {
	OwnerID   string `json:"owner_id"`
	SourceID  string `json:"source_id"`
	SavedPath string `json:"saved_path,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Scheduler queues indexing jobs for asynchronous processing.
type Scheduler interface {
	Schedule(ctx context.Context, job IndexJob) error
}

// Service implements the knowledge base operations on top of the repository,
// the file store, the document parser and the vector index.
type Service struct {
	repo      Store
	files     *filestore.Store
	parser    *docparse.Parser
	index     PointDeleter
	scheduler Scheduler
	scrub     secrets.Scrubber
	logger    *zap.Logger
}

// NewService wires the knowledge service. index may be nil (point deletion is
// skipped); scheduler may be nil, in which case uploads fail to queue and are
// marked accordingly.
func NewService(repo Store, files *filestore.Store, parser *docparse.Parser, index PointDeleter, scheduler Scheduler, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		files:     files,
		parser:    parser,
		index:     index,
		scheduler: scheduler,
		logger:    logger,
	}
}

// WithScrubber installs a secret scrubber applied to source text
// before it is stored.
func (s *Service) WithScrubber(scrub secrets.Scrubber) *Service {
	s.scrub = scrub
	return s
}

func (s *Service) scrubText(text string) string {
	if s.scrub == nil || text == "" {
		return text
	}
	res := s.scrub.Scrub(text)
	if res.TotalFindings > 0 {
		s.logger.Warn("redacted secrets from source text",
			zap.Int("findings", res.TotalFindings))
	}
	return res.Scrubbed
}

// ListSources returns all sources of an owner, newest first.
func (s *Service) ListSources(ctx context.Context, ownerID string) ([]Source, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// GetSource returns one source or ErrNotFound.
func (s *Service) GetSource(ctx context.Context, ownerID, sourceID string) (*Source, error) {
	return s.repo.GetOne(ctx, ownerID, sourceID)
}

// CreateSourceRequest describes a non-file source.
type CreateSourceRequest struct {
	Type    SourceType `json:"type"`
	Title   string     `json:"title"`
	URI     string     `json:"uri"`
	Content string     `json:"content"`
}

// CreateSource creates a text, url or site source and returns its id.
// Text sources are ready immediately; url and site sources stay pending until
// a crawler provides their content.
func (s *Service) CreateSource(ctx context.Context, ownerID string, req CreateSourceRequest) (string, error) {
	srcType := req.Type
	if srcType == "" {
		srcType = TypeURL
	}
	title := req.Title
	if title == "" {
		title = req.URI
	}
	if title == "" {
		title = "source"
	}

	metadata := Metadata{}
	uri := req.URI
	status := StatusPending
	progress := 0

	switch srcType {
	case TypeText:
		if req.Content == "" {
			return "", ErrMissingContent
		}
		metadata[MetaText] = clampText(s.scrubText(req.Content), MaxPreviewChars)
		uri = ""
		status = StatusReady
		progress = 100
	case TypeURL, TypeSite:
		if uri == "" {
			return "", ErrMissingURI
		}
		if srcType == TypeSite {
			metadata[MetaCrawlType] = "site"
		}
	default:
		return "", ErrUnsupportedType
	}

	src := &Source{
		OwnerID:  ownerID,
		SourceID: uuid.NewString(),
		Type:     srcType,
		URI:      uri,
		Title:    title,
		Status:   status,
		Progress: progress,
		Metadata: metadata,
	}
	if err := s.repo.Insert(ctx, src); err != nil {
		return "", err
	}
	return src.SourceID, nil
}

// Upload is an incoming file stream.
type Upload struct {
	Filename    string
	ContentType string
	Reader      io.Reader
}

// UploadResult reports a stored upload.
type UploadResult struct {
	SourceID string `json:"source_id"`
	Filename string `json:"filename"`
	FileURL  string `json:"file_url"`
}

// UploadFile stores the stream on disk, does a quick text extraction, writes
// or updates the source row and queues the indexing job. When associateTo is
// set the file attaches to that existing source instead of creating a new
// one.
func (s *Service) UploadFile(ctx context.Context, ownerID string, upload Upload, associateTo string) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "knowledge.UploadFile")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", ownerID))

	origName := filepath.Base(upload.Filename)
	if origName == "" || origName == "." || origName == string(filepath.Separator) {
		origName = "uploaded"
	}
	safeName := filestore.SafeName(origName)
	ext := strings.ToLower(filepath.Ext(safeName))

	s.logger.Info("upload started",
		zap.String("owner_id", ownerID),
		zap.String("filename", origName),
		zap.String("content_type", upload.ContentType))

	if imageExtensions[ext] || strings.HasPrefix(upload.ContentType, "image/") {
		return nil, ErrImagesNotAllowed
	}

	storedName := strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + safeName
	savedPath, err := s.files.SaveStream(storedName, upload.Reader)
	if err != nil {
		if errors.Is(err, filestore.ErrTooLarge) {
			return nil, ErrFileTooLarge
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("saving upload: %w", err)
	}

	extracted := s.quickExtract(ctx, savedPath, ext, upload.ContentType)

	sourceID := uuid.NewString()
	targetID := sourceID
	if associateTo != "" {
		targetID = associateTo
	}

	previewURL := "/knowledge/file/" + targetID
	metadata := Metadata{
		MetaSavedPath:    savedPath,
		MetaOrigFilename: origName,
		MetaSafeFilename: safeName,
		MetaFileURL:      previewURL,
		MetaDownloadURL:  "/knowledge/download/" + targetID,
	}
	status := StatusPending
	progress := 0

	// An uploaded PDF is its own preview.
	if strings.EqualFold(filepath.Ext(savedPath), ".pdf") {
		metadata[MetaPreviewPDF] = savedPath
		metadata[MetaPreviewPDFURL] = previewURL + "?format=pdf"
		metadata[MetaPreviewPDFGen] = string(docparse.PreviewOK)
		status = StatusReady
		progress = 100
	}
	if extracted != "" {
		metadata[MetaExtractedText] = extracted
		status = StatusReady
		progress = 100
	}

	if associateTo != "" {
		if _, err := s.repo.GetOne(ctx, ownerID, targetID); err != nil {
			if errors.Is(err, ErrNotFound) {
				s.files.Delete(savedPath)
				return nil, ErrAssociateTargetNotFound
			}
			return nil, err
		}
		if err := s.repo.UpdateMetadata(ctx, ownerID, targetID, metadata, &status, &progress); err != nil {
			span.RecordError(err)
			return nil, err
		}
	} else {
		src := &Source{
			OwnerID:  ownerID,
			SourceID: sourceID,
			Type:     TypeFile,
			Title:    safeName,
			Status:   status,
			Progress: progress,
			Metadata: metadata,
		}
		if err := s.repo.Insert(ctx, src); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	if err := s.schedule(ctx, IndexJob{
		OwnerID:   ownerID,
		SourceID:  targetID,
		SavedPath: savedPath,
		Title:     safeName,
	}); err != nil {
		return nil, err
	}

	s.logger.Info("upload stored",
		zap.String("owner_id", ownerID),
		zap.String("source_id", targetID),
		zap.String("status", string(status)))
	span.SetAttributes(attribute.String("source_id", targetID))
	span.SetStatus(codes.Ok, "stored")

	return &UploadResult{SourceID: targetID, Filename: safeName, FileURL: previewURL}, nil
}

// quickExtract tries to pull text out of a fresh upload synchronously so the
// source can go ready without waiting for the worker. Failures just leave the
// source pending.
func (s *Service) quickExtract(ctx context.Context, savedPath, ext, contentType string) string {
	if textExtensions[ext] || strings.HasPrefix(contentType, "text/") {
		if text, err := readTextFile(savedPath, MaxPreviewChars); err == nil {
			return text
		}
	}
	text, err := s.parser.Parse(ctx, savedPath)
	if err != nil {
		s.logger.Debug("quick parse failed",
			zap.String("path", savedPath), zap.Error(err))
		return ""
	}
	return clampText(text, MaxPreviewChars)
}

// ReindexResult reports whether a reindex job was queued.
type ReindexResult struct {
	Queued  bool   `json:"queued"`
	Message string `json:"message,omitempty"`
}

// ReindexSource queues a fresh indexing pass for a source. Sources already
// pending or indexing are left alone; url and site sources without a stored
// file need a crawler and cannot be reindexed from disk.
func (s *Service) ReindexSource(ctx context.Context, ownerID, sourceID string) (*ReindexResult, error) {
	ctx, span := tracer.Start(ctx, "knowledge.ReindexSource")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("source_id", sourceID))

	rec, err := s.repo.GetOne(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}

	if rec.Status == StatusPending || rec.Status == StatusIndexing {
		return &ReindexResult{Queued: false, Message: "already_pending_or_indexing"}, nil
	}

	savedPath := rec.SavedPath()
	if rec.Type == TypeFile && savedPath == "" {
		return nil, ErrNoFileOnDisk
	}
	if (rec.Type == TypeURL || rec.Type == TypeSite) && savedPath == "" {
		return &ReindexResult{Queued: false, Message: "reindex_requires_crawler"}, nil
	}

	marked, err := s.repo.MarkReindexRequested(ctx, ownerID, sourceID, Metadata{
		MetaReindexAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	if !marked {
		return &ReindexResult{Queued: false, Message: "already_pending_or_indexing"}, nil
	}

	s.deletePoints(ctx, ownerID, sourceID)

	title := rec.Title
	if err := s.schedule(ctx, IndexJob{
		OwnerID:   ownerID,
		SourceID:  sourceID,
		SavedPath: savedPath,
		Title:     title,
	}); err != nil {
		return &ReindexResult{Queued: false, Message: ErrScheduleFailed.Error()}, err
	}

	span.SetStatus(codes.Ok, "queued")
	return &ReindexResult{Queued: true}, nil
}

// UpdateFields carries a partial source update. Nil pointers leave the
// current value in place.
type UpdateFields struct {
	Title   *string
	URI     *string
	Content *string
	Meta    Metadata
}

// UpdateSource applies scalar, content and metadata updates. Content goes
// into metadata and marks the source ready, matching how text sources store
// their body.
func (s *Service) UpdateSource(ctx context.Context, ownerID, sourceID string, fields UpdateFields) error {
	if sourceID == "" {
		return ErrMissingSourceID
	}

	if fields.Title != nil || fields.URI != nil {
		if err := s.repo.UpdateScalars(ctx, ownerID, sourceID, fields.Title, fields.URI); err != nil {
			return err
		}
	}

	if fields.Content != nil {
		ready := StatusReady
		done := 100
		updates := Metadata{MetaText: clampText(s.scrubText(*fields.Content), MaxPreviewChars)}
		if err := s.repo.UpdateMetadata(ctx, ownerID, sourceID, updates, &ready, &done); err != nil {
			return err
		}
	}

	if len(fields.Meta) > 0 {
		if err := s.repo.UpdateMetadata(ctx, ownerID, sourceID, fields.Meta, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSource deletes index points and the stored file best-effort, then
// removes the row.
func (s *Service) RemoveSource(ctx context.Context, ownerID, sourceID string) error {
	ctx, span := tracer.Start(ctx, "knowledge.RemoveSource")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", ownerID),
		attribute.String("source_id", sourceID))

	rec, err := s.repo.GetOne(ctx, ownerID, sourceID)
	if err != nil {
		return err
	}

	s.deletePoints(ctx, ownerID, sourceID)

	if savedPath := rec.SavedPath(); savedPath != "" {
		s.files.Delete(savedPath)
	}

	if err := s.repo.Delete(ctx, ownerID, sourceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "removed")
	return nil
}

// DownloadInfo describes the original file of a source for serving.
type DownloadInfo struct {
	SavedPath string
	Filename  string
	MediaType string
}

// GetDownloadInfo resolves the stored file of a source.
func (s *Service) GetDownloadInfo(ctx context.Context, ownerID, sourceID string) (*DownloadInfo, error) {
	rec, err := s.repo.GetOne(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}

	savedPath := rec.SavedPath()
	if savedPath == "" {
		return nil, ErrFileNotFound
	}
	if _, err := os.Stat(savedPath); err != nil {
		return nil, ErrFileNotFound
	}

	filename := rec.Metadata.String(MetaOrigFilename)
	if filename == "" {
		filename = rec.Title
	}
	if filename == "" {
		filename = filepath.Base(savedPath)
	}

	return &DownloadInfo{
		SavedPath: savedPath,
		Filename:  filename,
		MediaType: mediaTypeFor(savedPath),
	}, nil
}

// DownloadLink is one entry of a view's download list.
type DownloadLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// View is the preview payload for one source.
type View struct {
	OK            bool           `json:"ok"`
	Type          string         `json:"type"`
	SourceID      string         `json:"source_id"`
	Title         string         `json:"title"`
	Content       string         `json:"content,omitempty"`
	URI           string         `json:"uri,omitempty"`
	FileURL       string         `json:"file_url,omitempty"`
	PreviewPDFURL string         `json:"preview_pdf_url,omitempty"`
	DownloadURL   string         `json:"download_url,omitempty"`
	Downloads     []DownloadLink `json:"downloads,omitempty"`
	Filename      string         `json:"filename,omitempty"`
	ExtractedText string         `json:"extracted_text,omitempty"`
	PreviewPDFGen string         `json:"preview_pdf_generation,omitempty"`
	PreviewPDFErr string         `json:"preview_pdf_error,omitempty"`
}

// GetView builds the preview payload used by the knowledge UI.
func (s *Service) GetView(ctx context.Context, ownerID, sourceID string) (*View, error) {
	if sourceID == "" {
		return nil, ErrMissingSourceID
	}
	rec, err := s.repo.GetOne(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}

	title := rec.Title
	if title == "" {
		title = rec.URI
	}
	if title == "" {
		title = rec.SourceID
	}

	switch rec.Type {
	case TypeText:
		return &View{
			OK:       true,
			Type:     "text",
			SourceID: rec.SourceID,
			Title:    title,
			Content:  rec.Metadata.String(MetaText),
		}, nil

	case TypeFile:
		fileURL := "/knowledge/file/" + rec.SourceID
		downloadURL := "/knowledge/download/" + rec.SourceID
		previewPDFURL := fileURL + "?format=pdf"

		view := &View{
			OK:            true,
			Type:          "file",
			SourceID:      rec.SourceID,
			Title:         title,
			FileURL:       fileURL,
			PreviewPDFURL: previewPDFURL,
			DownloadURL:   downloadURL,
			Filename:      rec.Title,
			Downloads: []DownloadLink{
				{Label: "Оригинал", URL: downloadURL},
				{Label: "PDF", URL: previewPDFURL},
			},
			ExtractedText: rec.ExtractedText(),
			PreviewPDFGen: rec.Metadata.String(MetaPreviewPDFGen),
			PreviewPDFErr: rec.Metadata.String(MetaPreviewPDFErr),
		}
		return view, nil

	case TypeURL, TypeSite:
		return &View{
			OK:       true,
			Type:     "url",
			SourceID: rec.SourceID,
			Title:    title,
			URI:      rec.URI,
		}, nil
	}
	return nil, ErrUnsupportedType
}

// ServeMode distinguishes a file response from an inline HTML placeholder.
type ServeMode string

const (
	ServeFile ServeMode = "file"
	ServeHTML ServeMode = "html"
)

// ServeResult tells the HTTP layer how to answer a file request.
type ServeResult struct {
	Mode               ServeMode
	Path               string
	MediaType          string
	Filename           string
	ContentDisposition string
	HTML               string
}

// GetFileForServing resolves a source's file for inline serving. With
// format="pdf" it serves the original PDF, a previously generated preview, or
// converts on demand; when no PDF can be produced it falls back to an HTML
// placeholder pointing at the original download.
func (s *Service) GetFileForServing(ctx context.Context, ownerID, sourceID, format string) (*ServeResult, error) {
	rec, err := s.repo.GetOne(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}

	savedPath := rec.SavedPath()
	if savedPath == "" {
		return nil, ErrFileNotFound
	}
	if _, err := os.Stat(savedPath); err != nil {
		return nil, ErrFileNotFound
	}

	filename := rec.Metadata.String(MetaOrigFilename)
	if filename == "" {
		filename = rec.Title
	}
	if filename == "" {
		filename = filepath.Base(savedPath)
	}
	ext := strings.ToLower(filepath.Ext(savedPath))

	if format == "pdf" {
		if ext == ".pdf" {
			return fileResult(savedPath, "application/pdf", filename), nil
		}

		if previewPDF := rec.Metadata.String(MetaPreviewPDF); previewPDF != "" {
			if _, err := os.Stat(previewPDF); err == nil {
				return fileResult(previewPDF, "application/pdf", filepath.Base(previewPDF)), nil
			}
		}

		res := s.parser.PreviewPDF(ctx, savedPath)
		if res.Status == docparse.PreviewOK && res.Path != savedPath {
			if err := s.repo.UpdateMetadata(ctx, ownerID, sourceID, Metadata{MetaPreviewPDF: res.Path}, nil, nil); err != nil {
				s.logger.Warn("failed to persist preview pdf path",
					zap.String("source_id", sourceID), zap.Error(err))
			}
			return fileResult(res.Path, "application/pdf", filepath.Base(res.Path)), nil
		}

		return &ServeResult{
			Mode: ServeHTML,
			HTML: placeholderHTML(filename, sourceID,
				"Предпросмотр в PDF пока недоступен. Вы можете скачать файл вручную:"),
		}, nil
	}

	switch ext {
	case ".pdf":
		return fileResult(savedPath, "application/pdf", filename), nil
	case ".html", ".htm":
		return fileResult(savedPath, "text/html", filename), nil
	case ".txt", ".md":
		return fileResult(savedPath, "text/plain", filename), nil
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".svg":
		return fileResult(savedPath, mediaTypeFor(savedPath), filename), nil
	}

	return &ServeResult{
		Mode: ServeHTML,
		HTML: placeholderHTML(filename, sourceID,
			"Предпросмотр этого типа файла недоступен в браузере. Вы можете скачать файл:"),
	}, nil
}

func (s *Service) schedule(ctx context.Context, job IndexJob) error {
	var err error
	if s.scheduler == nil {
		err = errors.New("no scheduler configured")
	} else {
		err = s.scheduler.Schedule(ctx, job)
	}
	if err == nil {
		return nil
	}

	s.logger.Error("failed to schedule indexing job",
		zap.String("owner_id", job.OwnerID),
		zap.String("source_id", job.SourceID),
		zap.Error(err))
	failed := StatusError
	zero := 0
	if markErr := s.repo.UpdateMetadata(ctx, job.OwnerID, job.SourceID,
		Metadata{MetaScheduleFailed: true}, &failed, &zero); markErr != nil {
		s.logger.Error("failed to mark schedule failure",
			zap.String("source_id", job.SourceID), zap.Error(markErr))
	}
	return ErrScheduleFailed
}

func (s *Service) deletePoints(ctx context.Context, ownerID, sourceID string) {
	if s.index == nil {
		return
	}
	if err := s.index.DeleteForSource(ctx, ownerID, sourceID); err != nil {
		s.logger.Warn("failed to delete index points",
			zap.String("owner_id", ownerID),
			zap.String("source_id", sourceID),
			zap.Error(err))
	}
}

func fileResult(path, mediaType, filename string) *ServeResult {
	return &ServeResult{
		Mode:               ServeFile,
		Path:               path,
		MediaType:          mediaType,
		Filename:           filename,
		ContentDisposition: contentDispositionInline(filename),
	}
}

// contentDispositionInline renders an inline disposition header, switching to
// the RFC 5987 encoded form for non-ASCII filenames.
func contentDispositionInline(filename string) string {
	ascii := true
	for _, r := range filename {
		if r > 127 {
			ascii = false
			break
		}
	}
	if ascii {
		return fmt.Sprintf("inline; filename=%q", filename)
	}
	return "inline; filename*=UTF-8''" + url.PathEscape(filename)
}

func placeholderHTML(filename, sourceID, message string) string {
	downloadURL := "/knowledge/download/" + sourceID
	escaped := html.EscapeString(filename)
	return fmt.Sprintf(`<!doctype html>
<html>
    <head><meta charset="utf-8"><title>%s</title></head>
    <body style="font-family:Arial,Helvetica,sans-serif; padding:20px">
        <h3>%s</h3>
        <p>%s</p>
        <p><a href="%s" download>Скачать оригинал</a></p>
    </body>
</html>`, escaped, escaped, message, downloadURL)
}

func mediaTypeFor(path string) string {
	if mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func clampText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Scrub the rune the cut may have split.
	return strings.ToValidUTF8(s[:n], "")
}

// readTextFile reads up to limit bytes of a text file, scrubbing invalid
// UTF-8.
func readTextFile(path string, limit int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", err
	}
	if len(data) > limit {
		data = data[:limit]
	}
	return strings.ToValidUTF8(string(data), ""), nil
}
