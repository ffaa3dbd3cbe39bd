package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	parseDownloadLimit   = 10 << 20
	parseDownloadTimeout = 120 * time.Second
	parseTextLimit       = 200_000
)

// parseDocumentSpec builds the Parse-Document tool handed to recruiter
// agents for reading shared files in full. Failures come back as a
// JSON error payload rather than a tool exception, so the model can
// tell the user what went wrong.
func parseDocumentSpec(parser DocumentParser, client *http.Client, logger *zap.Logger) Spec {
	return Spec{
		Name:        "Parse-Document",
		Type:        "parse",
		Title:       "Parse-Document",
		Description: "Извлечь текст из документа (URL или data-uri). Возвращает JSON.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Ссылка на документ или data-uri.",
				},
			},
			"required": []string{"url"},
		},
		Run: func(ctx context.Context, _ CallContext, args map[string]any) (any, error) {
			source := stringArg(args, "url")
			if source == "" {
				return map[string]any{"text": "", "meta": map[string]any{"error": "url is required"}}, nil
			}

			tmp, err := fetchDocument(ctx, client, source)
			if err != nil {
				logger.Warn("downloading document", zap.Error(err))
				return map[string]any{"text": "", "meta": map[string]any{"error": err.Error()}}, nil
			}
			defer os.Remove(tmp)

			text, err := parser.Parse(ctx, tmp)
			if err != nil {
				logger.Warn("parsing document", zap.String("file", path.Base(tmp)), zap.Error(err))
				return map[string]any{"text": "", "meta": map[string]any{"error": err.Error()}}, nil
			}
			text = strings.TrimSpace(text)
			if text == "" {
				return map[string]any{"text": "", "meta": map[string]any{"error": "empty_text"}}, nil
			}
			if len(text) > parseTextLimit {
				text = strings.ToValidUTF8(text[:parseTextLimit], "") + "\n\n...[truncated]"
			}
			return map[string]any{"text": text, "meta": map[string]any{"source": source}}, nil
		},
	}
}

// fetchDocument materializes a URL or data URI as a temp file with an
// extension the parser recognizes. The caller removes the file.
func fetchDocument(ctx context.Context, client *http.Client, source string) (string, error) {
	if strings.HasPrefix(source, "data:") {
		return saveDataURI(source)
	}

	ctx, cancel := context.WithTimeout(ctx, parseDownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("building document request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading document: status %d", resp.StatusCode)
	}
	if resp.ContentLength > parseDownloadLimit {
		return "", fmt.Errorf("document too large: %d bytes", resp.ContentLength)
	}

	ext := documentExt(source, resp.Header.Get("Content-Type"))
	f, err := os.CreateTemp("", "parse-*"+ext)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, parseDownloadLimit+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("saving document: %w", err)
	}
	if n > parseDownloadLimit {
		os.Remove(f.Name())
		return "", fmt.Errorf("document too large: over %d bytes", parseDownloadLimit)
	}
	return f.Name(), nil
}

func saveDataURI(source string) (string, error) {
	head, payload, ok := strings.Cut(source, ",")
	if !ok {
		return "", fmt.Errorf("malformed data uri")
	}
	mime := strings.TrimPrefix(head, "data:")
	mime, _, _ = strings.Cut(mime, ";")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding data uri: %w", err)
	}
	if len(data) > parseDownloadLimit {
		return "", fmt.Errorf("document too large: %d bytes", len(data))
	}

	f, err := os.CreateTemp("", "parse-*"+extForMime(mime))
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	_, err = f.Write(data)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("saving document: %w", err)
	}
	return f.Name(), nil
}

// documentExt prefers the URL path extension and falls back to the
// response content type.
func documentExt(source, contentType string) string {
	if u, err := url.Parse(source); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
			return ext
		}
	}
	return extForMime(contentType)
}

func extForMime(contentType string) string {
	mime, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(mime)) {
	case "application/pdf":
		return ".pdf"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	case "application/msword":
		return ".doc"
	case "application/rtf", "text/rtf":
		return ".rtf"
	case "application/vnd.oasis.opendocument.text":
		return ".odt"
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	default:
		return ".pdf"
	}
}
