// Package agent assembles per-tenant conversational agents: prompt
// composition from stored config, tool binding scoped to one call, and
// turn execution against the model with dialog history attached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/history"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var tracer = otel.Tracer("dialogd.agent")

const (
	ensureTimeout        = 25 * time.Second
	historyLimit         = 250
	defaultKnowledgeTopK = 5
)

// Chat runs assembled turns against the model. An empty model keeps
// the runner default. *llm.Runner satisfies it.
type Chat interface {
	RunModel(ctx context.Context, model, instructions string, msgs []llm.Message, tools []llm.ToolDef) (string, error)
}

// Retriever searches the tenant knowledge base.
type Retriever interface {
	Search(ctx context.Context, ownerID, query string, opts retrieval.Options) ([]retrieval.Hit, error)
}

// HistoryStore loads past dialog turns.
type HistoryStore interface {
	Messages(ctx context.Context, q history.MessagesQuery) ([]history.Turn, error)
}

// DocumentParser extracts plain text from a downloaded document.
type DocumentParser interface {
	Parse(ctx context.Context, path string) (string, error)
}

// Deps wires the services an instance drives. Logger and HTTPClient
// may be nil.
type Deps struct {
	Configs    ConfigStore
	Chat       Chat
	History    HistoryStore
	Retriever  Retriever
	Calendar   CalendarStore
	Parser     DocumentParser
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Instance is one live agent bound to a business. It assembles itself
// on first use, rebuilds when the project tool set changes and runs
// one conversation turn per Invoke call.
type Instance struct {
	businessID string
	agentID    string
	deps       Deps
	logger     *zap.Logger

	mu           sync.Mutex
	initialized  bool
	currentTools []string
	rt           runtime
}

// NewInstance creates an uninitialized agent. businessID may be empty,
// the config row is then found by agent id alone.
func NewInstance(businessID, agentID string, deps Deps) *Instance {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	return &Instance{
		businessID: businessID,
		agentID:    agentID,
		deps:       deps,
		logger:     logger.With(zap.String("agent_id", agentID)),
	}
}

// AgentID returns the agent identity this instance serves.
func (i *Instance) AgentID() string { return i.agentID }

// Describe returns the loaded display name, role and service. Zero
// values before the first successful initialization.
func (i *Instance) Describe() (name, role, service string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rt.name, i.rt.role, i.rt.service
}

// EnsureInitialized builds the agent on first use and rebuilds it when
// the requested project tool set differs from the current one. Tool
// sets compare by normalized name, so reordering or renaming a tool
// from "Calendar" to "calendar" does not force a rebuild.
func (i *Instance) EnsureInitialized(ctx context.Context, projectTools []string) error {
	ctx, span := tracer.Start(ctx, "agent.EnsureInitialized")
	defer span.End()

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.initialized && sameToolSet(i.currentTools, projectTools) {
		span.SetStatus(codes.Ok, "success")
		return nil
	}

	rt, err := i.build(ctx, projectTools)
	if err != nil {
		i.initialized = false
		SetupsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	i.rt = rt
	i.initialized = true
	i.currentTools = append([]string(nil), projectTools...)
	SetupsTotal.WithLabelValues("built").Inc()
	i.logger.Info("agent assembled",
		zap.String("role", rt.role),
		zap.String("model", rt.model),
		zap.Int("tools", len(rt.specs)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

func sameToolSet(current, incoming []string) bool {
	a := make(map[string]struct{}, len(current))
	for _, t := range current {
		a[normName(t)] = struct{}{}
	}
	b := make(map[string]struct{}, len(incoming))
	for _, t := range incoming {
		b[normName(t)] = struct{}{}
	}
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// FileMeta describes a document shared by the user, surfaced to the
// model as a short preview line.
type FileMeta struct {
	URL         string
	Mime        string
	PreviewText string
}

// InvokeRequest is one user turn handed to the agent.
type InvokeRequest struct {
	UserMessage  string
	BusinessID   string
	BusinessName string
	ThreadID     string
	CustomerID   string
	ProjectID    string
	Attachments  []string
	FilesMeta    []FileMeta
	Knowledge    *KnowledgeOptions
	ProjectTools []string
}

// Result carries the final answer plus the tool-usage cards produced
// while composing it.
type Result struct {
	FinalOutput string      `json:"final_output"`
	Tools       []ToolUsage `json:"tools"`
}

// Invoke runs one conversation turn. A failed build leaves the
// instance uninitialized and the turn errors rather than running with
// a stale tool set.
func (i *Instance) Invoke(ctx context.Context, req InvokeRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "agent.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent_id", i.agentID),
		attribute.String("business_id", req.BusinessID))
	start := time.Now()

	ensureCtx, cancel := context.WithTimeout(ctx, ensureTimeout)
	if err := i.EnsureInitialized(ensureCtx, req.ProjectTools); err != nil {
		i.logger.Warn("agent setup failed", zap.Error(err))
	}
	cancel()

	i.mu.Lock()
	if !i.initialized {
		i.mu.Unlock()
		InvokesTotal.WithLabelValues("error").Inc()
		err := errors.New("agent not initialized")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	rt := i.rt
	i.mu.Unlock()

	businessID := req.BusinessID
	if businessID == "" {
		businessID = i.businessID
	}
	call := CallContext{
		BusinessID: businessID,
		ProjectID:  req.ProjectID,
		CustomerID: req.CustomerID,
		Knowledge:  req.Knowledge,
	}
	ring := &usageRing{}
	tools := make([]llm.ToolDef, 0, len(rt.specs))
	for _, s := range rt.specs {
		tools = append(tools, wrap(s, call, ring))
	}

	msgs := i.buildHistory(ctx, req)

	out, err := i.deps.Chat.RunModel(ctx, rt.model, rt.instructions, msgs, tools)
	if err != nil {
		InvokesTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("invoking agent: %w", err)
	}

	InvokesTotal.WithLabelValues("ok").Inc()
	InvokeDuration.Observe(time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "success")
	return Result{FinalOutput: out, Tools: ring.cards()}, nil
}
