package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const roleRecruiter = "AI-рекрутер"

const ragInstruction = `
Если тебе нужно предоставить фактическую информацию, документы или цитаты из знаний агента - сначала вызови инструмент ` + "`Knowledge-Retriever(query, k)`" + ` с коротким запросом.
- Используй только те фрагменты, которые вернул инструмент.
- При каждой конкретной фактической ссылке добавляй [source_id: <id>] прямо в текст ответа.
- Если релевантность результатов низкая (score плохой) - честно скажи, что данных недостаточно.
`

const calendarInstruction = `
Календарные операции (создание/обновление/удаление):
1) Если пользователь просит создать или обновить запись — обязательно уточни дату и время:
   - Спроси дату (день.месяц.год) или предложи варианты: "завтра", "послезавтра", "или какой-то определенный день").
   - Спроси время (уточни дня или вечера).
   - Подтверди итоговую строку: "Подтверждаю: создаю/обновляю запись в календаре 'Заголовок' на <день> в <время>. Верно?"
2) Если пользователь не дал дату/время — НЕ выполняй операцию, сначала уточни.
3) При обновлении — если пользователь не указал task_id, попытайся найти задачу через calendar_list по title+date+time. Если найдено несколько вариантов — покажи краткий список (title / дата / время) и попроси выбрать.
4) Всегда повторяй пользователю, какое действие будет выполнено (create/update/delete) и какие поля изменятся.
5) Если есть риск ошибки (неточная формулировка, несколько совпадений) — спроси подтверждение пользователя.
`

const calendarNotConnectedInstruction = `
Если пользователь просит создать запись в календаре, то ответь ему, что инструмент календарь не подключен.
Чтобы подключить календарь нужно перейти в раздел инструменты проекта
`

const gmailNotConnectedInstruction = `
Если пользователь просит отправить email или работать с Gmail, то ответь ему, что инструмент Gmail не подключен.
Чтобы подключить Gmail нужно перейти в раздел инструменты проекта
`

const recruiterFilesInstruction = `Входящие файлы: если в диалоге указано, что есть файлы - они представлены как короткие превью с метаданными (url, mime, size, preview). Если тебе нужен полный текст/таблица/структура файла - вызови инструмент Parse-Document(url) и он вернёт JSON с полем "text" и "tables". Используй этот инструмент только если нужно отвечать точно или обрабатывать таблицы.`

// runtime is one assembled agent: prompt, bound tool specs and model.
type runtime struct {
	name         string
	role         string
	model        string
	service      string
	instructions string
	specs        []Spec
}

// build loads the agent definition and assembles prompt and tools for
// the given project tool set.
func (i *Instance) build(ctx context.Context, projectTools []string) (runtime, error) {
	ctx, span := tracer.Start(ctx, "agent.build")
	defer span.End()

	cfg, err := i.deps.Configs.Load(ctx, i.businessID, i.agentID)
	if err != nil {
		return runtime{}, fmt.Errorf("loading agent config: %w", err)
	}
	prof, err := i.deps.Configs.Profile(ctx, cfg.AgentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return runtime{}, fmt.Errorf("loading business profile: %w", err)
	}

	active := resolveTools(cfg.Tools, projectTools)
	allowed := make(map[string]bool, len(active))
	for _, t := range active {
		allowed[normName(t)] = true
	}

	specs := []Spec{knowledgeSpec(i.deps.Retriever, i.logger)}
	calendarBlock := calendarNotConnectedInstruction
	if allowed["calendar"] && i.deps.Calendar != nil {
		specs = append(specs, calendarSpecs(i.deps.Calendar)...)
		calendarBlock = calendarInstruction
	}

	base := baseInstruction(cfg, prof)
	instructions := base + ragInstruction + calendarBlock + gmailNotConnectedInstruction
	if cfg.Role == roleRecruiter {
		if i.deps.Parser != nil {
			specs = append(specs, parseDocumentSpec(i.deps.Parser, i.deps.HTTPClient, i.logger))
		}
		instructions = base + ragInstruction + recruiterFilesInstruction
	}

	return runtime{
		name:         displayName(cfg),
		role:         cfg.Role,
		model:        cfg.Model,
		service:      cfg.Service,
		instructions: instructions,
		specs:        specs,
	}, nil
}

// resolveTools maps requested project tool names onto the agent's own
// tool list: exact normalized match first, then substring overlap so
// "calendar" resolves "calendar_list", and finally the project name
// itself so a project can enable a tool the agent config does not
// list. Order is preserved, duplicates dropped. An empty project list
// keeps the agent's tools.
func resolveTools(agentTools, projectTools []string) []string {
	if len(projectTools) == 0 {
		return agentTools
	}
	type pair struct{ norm, orig string }
	pairs := make([]pair, 0, len(agentTools))
	exact := make(map[string]string, len(agentTools))
	for _, t := range agentTools {
		n := normName(t)
		pairs = append(pairs, pair{n, t})
		exact[n] = t
	}

	resolved := make([]string, 0, len(projectTools))
	for _, p := range projectTools {
		pn := normName(p)
		if orig, ok := exact[pn]; ok {
			resolved = append(resolved, orig)
			continue
		}
		matched := false
		for _, a := range pairs {
			if strings.Contains(a.norm, pn) || strings.Contains(pn, a.norm) {
				resolved = append(resolved, a.orig)
				matched = true
				break
			}
		}
		if !matched {
			resolved = append(resolved, p)
		}
	}

	seen := make(map[string]bool, len(resolved))
	out := make([]string, 0, len(resolved))
	for _, t := range resolved {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// baseInstruction composes the system prompt head from the agent
// definition and the business profile.
func baseInstruction(cfg Config, prof Profile) string {
	var b strings.Builder
	role := cfg.Role
	if role == "" {
		role = "AI-помощник"
	}
	fmt.Fprintf(&b, "Ты - %s", role)
	if cfg.Name != "" {
		fmt.Fprintf(&b, " по имени %s", cfg.Name)
	}
	if prof.BusinessName != "" {
		fmt.Fprintf(&b, " компании %s", prof.BusinessName)
	}
	b.WriteString(".\n")
	if cfg.Style != "" {
		fmt.Fprintf(&b, "Стиль общения: %s.\n", cfg.Style)
	}
	if prof.Niche != "" {
		fmt.Fprintf(&b, "Ниша бизнеса: %s.\n", prof.Niche)
	}
	if prof.Description != "" {
		fmt.Fprintf(&b, "О компании: %s\n", prof.Description)
	}
	if prof.Address != "" {
		fmt.Fprintf(&b, "Адрес: %s.\n", prof.Address)
	}
	if prof.Payment != "" {
		fmt.Fprintf(&b, "Оплата: %s.\n", prof.Payment)
	}
	if prof.Delivery != "" {
		fmt.Fprintf(&b, "Доставка: %s.\n", prof.Delivery)
	}
	if s := joinJSONList(prof.Schedule); s != "" {
		fmt.Fprintf(&b, "График работы: %s.\n", s)
	}
	if s := joinJSONList(prof.Phones); s != "" {
		fmt.Fprintf(&b, "Телефоны: %s.\n", s)
	}
	if s := joinJSONList(prof.Links); s != "" {
		fmt.Fprintf(&b, "Ссылки: %s.\n", s)
	}
	if cfg.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(cfg.Instructions))
		b.WriteString("\n")
	}
	return b.String()
}

// displayName mirrors how agents present themselves: the lead role is
// shown as a generic assistant, every other role keeps its own label.
func displayName(cfg Config) string {
	if cfg.Role == "Главный AI-агент" {
		return strings.TrimSpace("AI-помощник " + cfg.Name)
	}
	return strings.TrimSpace(cfg.Role + " " + cfg.Name)
}

// joinJSONList renders a raw JSON array as a comma-separated line.
func joinJSONList(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return strings.TrimSpace(string(raw))
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(anyString(it)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
