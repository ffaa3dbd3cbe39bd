package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/history"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
	"github.com/fyrsmithlabs/dialogd/internal/vectorindex"
)

type fakeConfigs struct {
	cfg        Config
	profile    Profile
	loadErr    error
	profileErr error
	loadCalls  int
}

func (f *fakeConfigs) Load(context.Context, string, string) (Config, error) {
	f.loadCalls++
	if f.loadErr != nil {
		return Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeConfigs) Profile(context.Context, string) (Profile, error) {
	if f.profileErr != nil {
		return Profile{}, f.profileErr
	}
	return f.profile, nil
}

type fakeChat struct {
	mu           sync.Mutex
	model        string
	instructions string
	msgs         []llm.Message
	tools        []llm.ToolDef
	reply        string
	err          error
	calls        int

	// runTool invokes the named tool with runToolArgs before replying,
	// standing in for a model that decided to call it.
	runTool     string
	runToolArgs map[string]any
}

func (f *fakeChat) RunModel(ctx context.Context, model, instructions string, msgs []llm.Message, tools []llm.ToolDef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.instructions = instructions
	f.msgs = msgs
	f.tools = tools
	if f.err != nil {
		return "", f.err
	}
	if f.runTool != "" {
		for _, td := range tools {
			if td.Name == f.runTool {
				td.Invoke(ctx, f.runToolArgs)
			}
		}
	}
	return f.reply, nil
}

type fakeHistory struct {
	turns []history.Turn
	err   error
	query history.MessagesQuery
}

func (f *fakeHistory) Messages(_ context.Context, q history.MessagesQuery) ([]history.Turn, error) {
	f.query = q
	return f.turns, f.err
}

type fakeRetriever struct {
	hits    []retrieval.Hit
	err     error
	ownerID string
	query   string
	opts    retrieval.Options
	calls   int
}

func (f *fakeRetriever) Search(_ context.Context, ownerID, query string, opts retrieval.Options) ([]retrieval.Hit, error) {
	f.calls++
	f.ownerID = ownerID
	f.query = query
	f.opts = opts
	return f.hits, f.err
}

type fakeCalendar struct {
	tasks   []CalendarTask
	created []CalendarTask
	updated []CalendarTask
	deleted []string
	err     error
}

func (f *fakeCalendar) List(context.Context, string, CalendarFilter) ([]CalendarTask, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tasks, nil
}

func (f *fakeCalendar) Create(_ context.Context, t CalendarTask) (CalendarTask, error) {
	if f.err != nil {
		return CalendarTask{}, f.err
	}
	t.TaskID = fmt.Sprintf("task-%d", len(f.created)+1)
	t.CreatedAt = time.Now()
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeCalendar) Update(_ context.Context, t CalendarTask) (CalendarTask, error) {
	if f.err != nil {
		return CalendarTask{}, f.err
	}
	f.updated = append(f.updated, t)
	return t, nil
}

func (f *fakeCalendar) Delete(_ context.Context, _, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, taskID)
	return nil
}

type fakeParser struct {
	text string
	err  error
	path string
}

func (f *fakeParser) Parse(_ context.Context, path string) (string, error) {
	f.path = path
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type harness struct {
	inst      *Instance
	chat      *fakeChat
	cfgs      *fakeConfigs
	hist      *fakeHistory
	retriever *fakeRetriever
	calendar  *fakeCalendar
	parser    *fakeParser
}

func newHarness() *harness {
	h := &harness{
		chat: &fakeChat{reply: "готово"},
		cfgs: &fakeConfigs{
			cfg: Config{
				AgentID:    "a1",
				BusinessID: "b1",
				Name:       "Мира",
				Role:       "AI-консультант",
				Service:    "instagram",
				Active:     true,
				Tools:      []string{"calendar"},
			},
			profileErr: ErrNotFound,
		},
		hist:      &fakeHistory{},
		retriever: &fakeRetriever{},
		calendar:  &fakeCalendar{},
		parser:    &fakeParser{text: "текст документа"},
	}
	h.inst = NewInstance("b1", "a1", Deps{
		Configs:   h.cfgs,
		Chat:      h.chat,
		History:   h.hist,
		Retriever: h.retriever,
		Calendar:  h.calendar,
		Parser:    h.parser,
		Logger:    zap.NewNop(),
	})
	return h
}

func toolNames(tools []llm.ToolDef) []string {
	names := make([]string, 0, len(tools))
	for _, td := range tools {
		names = append(names, td.Name)
	}
	return names
}

func TestInvokeBuildsDialogHistory(t *testing.T) {
	h := newHarness()
	h.hist.turns = []history.Turn{
		{
			Customer:  []byte(`{"role":"user","content":"когда доставка?"}`),
			Assistant: []byte(`{"role":"assistant","content":"завтра после обеда"}`),
		},
		{
			Customer: []byte(`{"role":"user","content":"спасибо"}`),
			Business: []byte(`{"role":"assistant","content":"обращайтесь"}`),
		},
	}

	res, err := h.inst.Invoke(context.Background(), InvokeRequest{
		UserMessage: "а самовывоз есть?",
		BusinessID:  "b1",
		ThreadID:    "t1",
		ProjectID:   "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "готово", res.FinalOutput)

	require.Len(t, h.chat.msgs, 5)
	assert.Equal(t, llm.RoleUser, h.chat.msgs[0].Role)
	assert.Equal(t, "когда доставка?", h.chat.msgs[0].Text)
	assert.Equal(t, llm.RoleAssistant, h.chat.msgs[1].Role)
	assert.Equal(t, "завтра после обеда", h.chat.msgs[1].Text)
	assert.Equal(t, "спасибо", h.chat.msgs[2].Text)
	assert.Equal(t, "обращайтесь", h.chat.msgs[3].Text)
	assert.Equal(t, "а самовывоз есть?", h.chat.msgs[4].Text)

	assert.Equal(t, "b1", h.hist.query.BusinessID)
	assert.Equal(t, "a1", h.hist.query.AgentID)
	assert.Equal(t, "t1", h.hist.query.ThreadID)
	assert.Equal(t, "p1", h.hist.query.ProjectID)
}

func TestInvokeInlinesImageAttachments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	h := newHarness()
	h.hist.turns = []history.Turn{
		{Customer: []byte(`{"role":"user","content":"вот фото","attachments":[{"url":"` + srv.URL + `/old.png","type":"image"}]}`)},
	}

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{
		UserMessage: "что на фото?",
		Attachments: []string{srv.URL + "/new.png", "data:image/jpeg;base64,aGk="},
	})
	require.NoError(t, err)

	require.Len(t, h.chat.msgs, 4)
	assert.Equal(t, "вот фото", h.chat.msgs[0].Text)
	require.Len(t, h.chat.msgs[1].Images, 1)
	assert.True(t, strings.HasPrefix(h.chat.msgs[1].Images[0], "data:image/png;base64,"))
	require.Len(t, h.chat.msgs[2].Images, 2)
	assert.Equal(t, "data:image/jpeg;base64,aGk=", h.chat.msgs[2].Images[1])
	assert.Equal(t, "что на фото?", h.chat.msgs[3].Text)
}

func TestInvokeSkipsUnreachableImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHarness()
	_, err := h.inst.Invoke(context.Background(), InvokeRequest{
		UserMessage: "смотри",
		Attachments: []string{srv.URL + "/gone.png"},
	})
	require.NoError(t, err)
	require.Len(t, h.chat.msgs, 1)
	assert.Equal(t, "смотри", h.chat.msgs[0].Text)
}

func TestInvokeRendersFilePreviews(t *testing.T) {
	h := newHarness()
	_, err := h.inst.Invoke(context.Background(), InvokeRequest{
		UserMessage: "посмотри файл",
		FilesMeta: []FileMeta{
			{URL: "https://cdn.example.com/3f8a1c9b22d14d1c_resume.pdf", Mime: "application/pdf"},
			{PreviewText: "Файл отчёт.xlsx. Превью: итоги квартала."},
		},
	})
	require.NoError(t, err)
	require.Len(t, h.chat.msgs, 3)
	assert.Equal(t,
		"Файл resume.pdf (application/pdf). Полный контент: Parse-Document('https://cdn.example.com/3f8a1c9b22d14d1c_resume.pdf')",
		h.chat.msgs[0].Text)
	assert.Equal(t, "Файл отчёт.xlsx. Превью: итоги квартала.", h.chat.msgs[1].Text)
	assert.Equal(t, "посмотри файл", h.chat.msgs[2].Text)
}

func TestInvokeToleratesHistoryFailure(t *testing.T) {
	h := newHarness()
	h.hist.err = errors.New("database offline")

	res, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "привет"})
	require.NoError(t, err)
	assert.Equal(t, "готово", res.FinalOutput)
	require.Len(t, h.chat.msgs, 1)
}

func TestInvokeUsesConfiguredModel(t *testing.T) {
	h := newHarness()
	h.cfgs.cfg.Model = "gpt-4o-mini"

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "привет"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", h.chat.model)
}

func TestInvokeFailsWhenNeverInitialized(t *testing.T) {
	h := newHarness()
	h.cfgs.loadErr = errors.New("connection refused")

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "привет"})
	require.ErrorContains(t, err, "agent not initialized")
	assert.Equal(t, 0, h.chat.calls)
}

func TestInvokeWrapsChatError(t *testing.T) {
	h := newHarness()
	h.chat.err = errors.New("model overloaded")

	_, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "привет"})
	require.ErrorContains(t, err, "invoking agent")
}

func TestInvokeReturnsToolCards(t *testing.T) {
	h := newHarness()
	h.retriever.hits = []retrieval.Hit{{
		ID:         "pt1",
		FusedScore: 0.9,
		Payload:    vectorindex.Payload{SourceID: "src1", Title: "Доставка", TextPreview: "до 18:00"},
	}}
	h.chat.runTool = "knowledge_retriever"
	h.chat.runToolArgs = map[string]any{"query": "доставка"}

	res, err := h.inst.Invoke(context.Background(), InvokeRequest{UserMessage: "когда доставка?", BusinessID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, "b1", h.retriever.ownerID)

	require.Len(t, res.Tools, 2)
	assert.True(t, strings.HasPrefix(res.Tools[0].ID, "kr_"))
	assert.Equal(t, "Knowledge-Retriever", res.Tools[0].Title)
	assert.NotEmpty(t, res.Tools[0].CreatedAt)
	assert.True(t, strings.HasPrefix(res.Tools[1].ID, "knowledge_retriever_"))
	assert.Contains(t, res.Tools[1].Text, `"sources"`)
}

func TestEnsureInitializedSkipsRebuildForSameToolSet(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.inst.EnsureInitialized(context.Background(), []string{"calendar"}))
	require.Equal(t, 1, h.cfgs.loadCalls)

	// Same set spelled differently: no rebuild.
	require.NoError(t, h.inst.EnsureInitialized(context.Background(), []string{"Calendar"}))
	assert.Equal(t, 1, h.cfgs.loadCalls)

	require.NoError(t, h.inst.EnsureInitialized(context.Background(), []string{"calendar", "notion"}))
	assert.Equal(t, 2, h.cfgs.loadCalls)
}

func TestDescribeAfterInitialization(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.inst.EnsureInitialized(context.Background(), nil))

	name, role, service := h.inst.Describe()
	assert.Equal(t, "AI-консультант Мира", name)
	assert.Equal(t, "AI-консультант", role)
	assert.Equal(t, "instagram", service)
}
