package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveToolsEmptyProjectKeepsAgentTools(t *testing.T) {
	got := resolveTools([]string{"calendar", "notion"}, nil)
	assert.Equal(t, []string{"calendar", "notion"}, got)
}

func TestResolveToolsExactNormalizedMatch(t *testing.T) {
	got := resolveTools([]string{"Calendar"}, []string{"calendar"})
	assert.Equal(t, []string{"Calendar"}, got)
}

func TestResolveToolsPartialMatch(t *testing.T) {
	got := resolveTools([]string{"calendar_list", "notion"}, []string{"calendar"})
	assert.Equal(t, []string{"calendar_list"}, got)
}

func TestResolveToolsPassesUnknownThrough(t *testing.T) {
	got := resolveTools([]string{"notion"}, []string{"mixlink"})
	assert.Equal(t, []string{"mixlink"}, got)
}

func TestResolveToolsDeduplicates(t *testing.T) {
	got := resolveTools([]string{"calendar_list"}, []string{"calendar", "calendar_list"})
	assert.Equal(t, []string{"calendar_list"}, got)
}

func TestBuildWithCalendarAllowed(t *testing.T) {
	h := newHarness()

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "привет", BusinessID: "b1"})
	require.NoError(t, err)

	assert.Contains(t, h.chat.instructions, "Knowledge-Retriever")
	assert.Contains(t, h.chat.instructions, "Календарные операции")
	assert.Contains(t, h.chat.instructions, "инструмент Gmail не подключен")
	assert.NotContains(t, h.chat.instructions, "инструмент календарь не подключен")

	names := toolNames(h.chat.tools)
	assert.Contains(t, names, "knowledge_retriever")
	assert.Contains(t, names, "calendar_list")
	assert.Contains(t, names, "calendar_create")
	assert.Contains(t, names, "calendar_update")
	assert.Contains(t, names, "calendar_delete")
	assert.NotContains(t, names, "Parse-Document")
}

func TestBuildWithoutCalendar(t *testing.T) {
	h := newHarness()
	h.cfgs.cfg.Tools = nil

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "привет"})
	require.NoError(t, err)

	assert.Contains(t, h.chat.instructions, "инструмент календарь не подключен")
	assert.NotContains(t, h.chat.instructions, "Календарные операции")
	names := toolNames(h.chat.tools)
	assert.Equal(t, []string{"knowledge_retriever"}, names)
}

func TestBuildRecruiterSwapsInstructionKeepsCalendarTools(t *testing.T) {
	h := newHarness()
	h.cfgs.cfg.Role = roleRecruiter

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "привет"})
	require.NoError(t, err)

	assert.Contains(t, h.chat.instructions, "Входящие файлы")
	assert.Contains(t, h.chat.instructions, "Parse-Document(url)")
	assert.Contains(t, h.chat.instructions, "Knowledge-Retriever")
	assert.NotContains(t, h.chat.instructions, "Календарные операции")
	assert.NotContains(t, h.chat.instructions, "Gmail")

	names := toolNames(h.chat.tools)
	assert.Contains(t, names, "Parse-Document")
	assert.Contains(t, names, "calendar_create")
}

func TestBuildProjectToolsOverrideAgentTools(t *testing.T) {
	h := newHarness()

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{
		UserMessage:  "привет",
		ProjectTools: []string{"notion"},
	})
	require.NoError(t, err)

	// The project narrowed the set, calendar is gone.
	assert.Contains(t, h.chat.instructions, "инструмент календарь не подключен")
	assert.Equal(t, []string{"knowledge_retriever"}, toolNames(h.chat.tools))
}

func TestBaseInstructionIncludesProfile(t *testing.T) {
	cfg := Config{
		Name:         "Мира",
		Role:         "AI-консультант",
		Style:        "дружелюбный",
		Instructions: "Отвечай кратко.",
	}
	prof := Profile{
		BusinessName: "Цветы у Дома",
		Niche:        "цветочный магазин",
		Address:      "ул. Садовая, 5",
		Phones:       []byte(`["+7 900 000-00-00", "+7 900 000-00-01"]`),
		Schedule:     []byte(`[]`),
	}

	got := baseInstruction(cfg, prof)
	assert.Contains(t, got, "Ты - AI-консультант по имени Мира компании Цветы у Дома.")
	assert.Contains(t, got, "Стиль общения: дружелюбный.")
	assert.Contains(t, got, "Ниша бизнеса: цветочный магазин.")
	assert.Contains(t, got, "Адрес: ул. Садовая, 5.")
	assert.Contains(t, got, "Телефоны: +7 900 000-00-00, +7 900 000-00-01.")
	assert.Contains(t, got, "Отвечай кратко.")
	assert.NotContains(t, got, "График работы")
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "AI-помощник Мира", displayName(Config{Role: "Главный AI-агент", Name: "Мира"}))
	assert.Equal(t, "AI-продавец Лев", displayName(Config{Role: "AI-продавец", Name: "Лев"}))
	assert.Equal(t, "AI-консультант", displayName(Config{Role: "AI-консультант"}))
}

func TestJoinJSONList(t *testing.T) {
	assert.Equal(t, "пн-пт 9-18, сб 10-16", joinJSONList([]byte(`["пн-пт 9-18", "сб 10-16"]`)))
	assert.Equal(t, "", joinJSONList(nil))
	assert.Equal(t, "", joinJSONList([]byte(`[]`)))
	assert.Equal(t, "plain", joinJSONList([]byte("plain")))
}
