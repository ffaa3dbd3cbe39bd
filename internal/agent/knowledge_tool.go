package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
)

// knowledgeSpec builds the retrieval tool every agent carries. Scoping
// comes from the call's knowledge options: explicit selected_ids from
// the model win, otherwise pinned or selected modes restrict the
// search to the project's source list, and mode "all" searches the
// whole base.
func knowledgeSpec(r Retriever, logger *zap.Logger) Spec {
	return Spec{
		Name:        publicName("Knowledge-Retriever"),
		Description: "Ищет релевантные фрагменты знаний в базе знаний агента. Возвращает JSON со списком источников.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Короткий поисковый запрос.",
				},
				"k": map[string]any{
					"type":        "integer",
					"description": "Сколько фрагментов вернуть.",
				},
				"selected_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ограничить поиск этими источниками.",
				},
			},
			"required": []string{"query"},
		},
		Needs: []Capability{CapBusinessID, CapKnowledge, CapUsage},
		Run: func(ctx context.Context, call CallContext, args map[string]any) (any, error) {
			query := stringArg(args, "query")
			if query == "" {
				return nil, errors.New("query is required")
			}
			k := intArg(args, "k")
			ids := stringList(args["selected_ids"])
			if call.Knowledge != nil {
				if k <= 0 {
					k = call.Knowledge.TopK
				}
				if len(ids) == 0 && call.Knowledge.Mode != KnowledgeModeAll {
					ids = call.Knowledge.SelectedIDs
				}
			}
			if k <= 0 {
				k = defaultKnowledgeTopK
			}

			hits, err := r.Search(ctx, call.BusinessID, query, retrieval.Options{
				SourceIDs: ids,
				TopN:      k,
			})
			if err != nil {
				// The agent still answers without sources rather than
				// failing the whole turn.
				logger.Warn("knowledge search failed", zap.String("query", query), zap.Error(err))
				hits = nil
			}

			chunks := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				chunk := map[string]any{
					"source_id": chunkSourceID(h),
					"title":     chunkTitle(h),
					"text":      chunkText(h),
					"score":     h.FusedScore,
					"payload":   h.Payload,
				}
				if h.Source != nil {
					chunk["db"] = h.Source
				}
				chunks = append(chunks, chunk)
			}

			if call.Record != nil {
				call.Record(ToolUsage{
					ID:    fmt.Sprintf("kr_%d", time.Now().Unix()),
					Tool:  "knowledge_retriever",
					Title: "Knowledge-Retriever",
					Text:  fmt.Sprintf("query=%q k=%d", query, k),
				})
			}
			return map[string]any{"ok": true, "sources": chunks}, nil
		},
	}
}

func chunkSourceID(h retrieval.Hit) string {
	if h.Payload.SourceID != "" {
		return h.Payload.SourceID
	}
	return h.ID
}

func chunkTitle(h retrieval.Hit) string {
	if h.Source != nil && h.Source.Title != "" {
		return h.Source.Title
	}
	return h.Payload.Title
}

func chunkText(h retrieval.Hit) string {
	if h.Preview != "" {
		return h.Preview
	}
	return h.Payload.TextPreview
}
