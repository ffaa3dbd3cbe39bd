package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/history"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
)

const (
	imageFetchTimeout = 15 * time.Second
	maxInlineImage    = 5_000_000
)

// buildHistory turns stored dialog turns plus the current request into
// model input. History load failures degrade to the current message
// alone.
func (i *Instance) buildHistory(ctx context.Context, req InvokeRequest) []llm.Message {
	var msgs []llm.Message

	turns, err := i.deps.History.Messages(ctx, history.MessagesQuery{
		BusinessID: req.BusinessID,
		AgentID:    i.agentID,
		ThreadID:   req.ThreadID,
		ProjectID:  req.ProjectID,
	})
	if err != nil {
		i.logger.Warn("loading dialog history", zap.Error(err))
	}

	for _, t := range turns {
		if hasJSON(t.Customer) {
			rc := history.Normalize(t.Customer)
			if strings.TrimSpace(rc.Content) != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Text: rc.Content})
			}
			// Image attachments live on the raw stored message, not on
			// the normalized role/content pair.
			var cm history.CustomerMessage
			if err := json.Unmarshal(t.Customer, &cm); err == nil {
				for _, att := range cm.Attachments {
					if att.Type != "image" || att.URL == "" {
						continue
					}
					if uri, ok := i.inlineImage(ctx, att.URL); ok {
						msgs = append(msgs, llm.Message{Role: llm.RoleUser, Images: []string{uri}})
					}
				}
			}
		}

		assistant := t.Assistant
		if !hasJSON(assistant) {
			assistant = t.Business
		}
		if hasJSON(assistant) {
			rc := history.Normalize(assistant)
			if strings.TrimSpace(rc.Content) != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Text: rc.Content})
			}
		}
	}

	var images []string
	for _, att := range req.Attachments {
		if uri, ok := i.inlineImage(ctx, att); ok {
			images = append(images, uri)
		}
	}
	if len(images) > 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Images: images})
	}

	for _, f := range req.FilesMeta {
		if line := fileMetaLine(f); line != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Text: line})
		}
	}

	if strings.TrimSpace(req.UserMessage) != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Text: req.UserMessage})
	}

	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	return msgs
}

// hasJSON reports whether a jsonb column holds actual content.
func hasJSON(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "[]" && s != "{}"
}

// fileMetaLine renders a shared document as the short preview the
// prompt carries; the model fetches full content via Parse-Document.
func fileMetaLine(f FileMeta) string {
	if f.PreviewText != "" {
		return f.PreviewText
	}
	if f.URL == "" {
		return ""
	}
	name := history.NameFromURL(f.URL)
	if f.Mime != "" {
		return fmt.Sprintf("Файл %s (%s). Полный контент: Parse-Document('%s')", name, f.Mime, f.URL)
	}
	return fmt.Sprintf("Файл %s. Полный текст доступен через инструмент Parse-Document('%s').", name, f.URL)
}

// inlineImage turns an attachment reference into a data URI the model
// can see. data: URIs pass through, anything else is fetched and
// inlined up to maxInlineImage bytes.
func (i *Instance) inlineImage(ctx context.Context, url string) (string, bool) {
	if strings.HasPrefix(url, "data:") {
		return url, true
	}

	ctx, cancel := context.WithTimeout(ctx, imageFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		i.logger.Warn("building image request", zap.String("url", url), zap.Error(err))
		return "", false
	}
	resp, err := i.deps.HTTPClient.Do(req)
	if err != nil {
		i.logger.Warn("fetching image attachment", zap.String("url", url), zap.Error(err))
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		i.logger.Warn("image attachment unavailable",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
		return "", false
	}
	if resp.ContentLength > maxInlineImage {
		i.logger.Warn("image attachment too large",
			zap.String("url", url), zap.Int64("bytes", resp.ContentLength))
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineImage+1))
	if err != nil {
		i.logger.Warn("reading image attachment", zap.String("url", url), zap.Error(err))
		return "", false
	}
	if len(body) > maxInlineImage {
		i.logger.Warn("image attachment too large",
			zap.String("url", url), zap.Int("bytes", len(body)))
		return "", false
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(body), true
}
