// Package knowledge manages the per-tenant knowledge base: source records in
// Postgres, uploaded files on disk and the lifecycle that feeds the vector
// index. A source moves through pending -> indexing -> ready, or lands in
// error; status and progress always live in the database row so every replica
// sees the same state.
package knowledge

import "time"

// SourceType classifies a knowledge source.
type SourceType string

const (
	TypeText SourceType = "text"
	TypeFile SourceType = "file"
	TypeURL  SourceType = "url"
	TypeSite SourceType = "site"
)

// Status is the indexing lifecycle state of a source.
type Status string

const (
	StatusPending  Status = "pending"
	StatusIndexing Status = "indexing"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// Metadata keys used across the service and the indexing worker.
const (
	MetaSavedPath      = "saved_path"
	MetaOrigFilename   = "orig_filename"
	MetaSafeFilename   = "safe_filename"
	MetaFileURL        = "file_url"
	MetaDownloadURL    = "download_url"
	MetaText           = "text"
	MetaExtractedText  = "extracted_text"
	MetaPreviewText    = "preview_text"
	MetaOCRText        = "ocr_text"
	MetaPreviewPDF     = "preview_pdf"
	MetaPreviewPDFURL  = "preview_pdf_url"
	MetaPreviewPDFGen  = "preview_pdf_generation"
	MetaPreviewPDFErr  = "preview_pdf_error"
	MetaCrawlType      = "crawl_type"
	MetaTriedParse     = "tried_parse"
	MetaIndexingError  = "indexing_error"
	MetaIndexingReason = "indexing_error_reason"
	MetaScheduleFailed = "schedule_failed"
	MetaReindexAt      = "reindex_requested_at"
)

// Metadata is the free-form JSONB column of a source row. Merges happen in
// the database; a nil value in an update removes the key.
type Metadata map[string]any

// String returns the value for key if it is a string, otherwise "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Has reports whether key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Source is one knowledge base entry of an owner.
type Source struct {
	OwnerID   string     `json:"owner_id"`
	SourceID  string     `json:"source_id"`
	Type      SourceType `json:"type"`
	URI       string     `json:"uri,omitempty"`
	Title     string     `json:"title"`
	Status    Status     `json:"status"`
	Progress  int        `json:"progress"`
	Metadata  Metadata   `json:"metadata"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SavedPath returns the on-disk path of an uploaded file, if any.
func (s *Source) SavedPath() string {
	return s.Metadata.String(MetaSavedPath)
}

// ExtractedText returns the first populated text field, checking the keys in
// the order the preview layer expects them.
func (s *Source) ExtractedText() string {
	for _, key := range []string{MetaText, MetaExtractedText, MetaPreviewText, MetaOCRText} {
		if v := s.Metadata.String(key); v != "" {
			return v
		}
	}
	return ""
}
