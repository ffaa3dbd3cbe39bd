package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/agent"
	"github.com/fyrsmithlabs/dialogd/internal/channels"
	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/events"
	"github.com/fyrsmithlabs/dialogd/internal/history"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
	"github.com/fyrsmithlabs/dialogd/internal/response"
)

// fallbackReply is sent when the agent cannot answer in time.
const fallbackReply = "Извините, временные проблемы с ассистентом — попробуйте чуть позже."

const (
	defaultInvokeTimeout = 60 * time.Second
	knowledgeTopK        = 5
	sendAttempts         = 3
)

// sendBackoff is a var so tests can shrink the schedule.
var sendBackoff = 1 * time.Second

// HistoryWriter persists the assistant side of an exchange.
// history.Store implements it.
type HistoryWriter interface {
	UpsertAssistantState(ctx context.Context, rec history.AssistantRecord) error
	InsertAssistantMessage(ctx context.Context, rec history.AssistantRecord) error
	TouchLastRead(ctx context.Context, businessID, customerID string) error
}

// Publisher fans events out to the business's live clients. events.Bus
// implements it.
type Publisher interface {
	Publish(ctx context.Context, businessID, event string, payload any) error
}

// InstanceFactory builds the agent instance for one customer scope.
type InstanceFactory func(customerID, projectID string) (Invoker, error)

// Route pins a dispatcher to its delivery channel and the credentials
// that channel needs.
type Route struct {
	Channel       string
	PhoneNumberID string
	AccessToken   string
}

// Options collects the dispatcher's collaborators.
type Options struct {
	Config        config.DispatchConfig
	InvokeTimeout time.Duration

	BusinessID   string
	BusinessName string
	AgentID      string
	AgentName    string
	Service      string
	Route        Route

	Cache    *Cache
	Factory  InstanceFactory
	Projects ProjectStore
	History  HistoryWriter
	Senders  map[string]channels.Sender
	Bus      Publisher
	Logger   *zap.Logger
}

// Dispatcher runs one coalesced batch through the agent and out to the
// conversation's channel. It is the sink behind a message handler.
type Dispatcher struct {
	opts      Options
	threshold float64
	timeout   time.Duration
	logger    *zap.Logger

	now func() time.Time
}

// NewDispatcher validates the wiring and returns a dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Cache == nil {
		return nil, errors.New("dispatch: cache is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("dispatch: instance factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	timeout := opts.InvokeTimeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	threshold := opts.Config.CalendarMergeThreshold
	if threshold <= 0 {
		threshold = DefaultCalendarMergeThreshold
	}
	return &Dispatcher{
		opts:      opts,
		threshold: threshold,
		timeout:   timeout,
		logger: opts.Logger.With(
			zap.String("business_id", opts.BusinessID),
			zap.String("agent_id", opts.AgentID)),
		now: time.Now,
	}, nil
}

var _ ingest.Sink = (*Dispatcher)(nil)

// DispatchBatch runs one user-to-agent round trip: load project meta,
// invoke the agent under the deadline, normalize, deliver, persist.
// History is written strictly after the channel accepted the reply.
func (d *Dispatcher) DispatchBatch(ctx context.Context, b ingest.Batch) error {
	var (
		knowledge *agent.KnowledgeOptions
		projTools []string
	)
	if b.ProjectID != "" && d.opts.Projects != nil {
		meta, err := d.opts.Projects.Meta(ctx, b.ProjectID)
		switch {
		case errors.Is(err, ErrProjectNotFound):
			d.logger.Warn("project not found, dispatching without project meta",
				zap.String("project_id", b.ProjectID))
		case err != nil:
			return fmt.Errorf("loading project %s: %w", b.ProjectID, err)
		default:
			mode := meta.KnowledgeMode
			if mode == "" {
				mode = agent.KnowledgeModePinned
			}
			knowledge = &agent.KnowledgeOptions{
				Mode:        mode,
				SelectedIDs: meta.KnowledgeActive,
				TopK:        knowledgeTopK,
			}
			projTools = meta.Tools
		}
	}

	inst, err := d.opts.Cache.GetOrCreate(Key(b.UserID, b.ProjectID), func() (Invoker, error) {
		return d.opts.Factory(b.UserID, b.ProjectID)
	})
	if err != nil {
		return fmt.Errorf("resolving agent instance: %w", err)
	}

	ictx, cancel := context.WithTimeout(ctx, d.timeout)
	res, err := inst.Invoke(ictx, agent.InvokeRequest{
		UserMessage:  b.Content,
		BusinessID:   d.opts.BusinessID,
		BusinessName: d.opts.BusinessName,
		ThreadID:     b.ThreadID,
		CustomerID:   b.UserID,
		ProjectID:    b.ProjectID,
		Attachments:  b.Images,
		FilesMeta:    filesMeta(b.Files),
		Knowledge:    knowledge,
		ProjectTools: projTools,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			AIInvokeTimeouts.Inc()
			d.logger.Error("agent invoke timed out",
				zap.String("customer_id", b.UserID),
				zap.Duration("timeout", d.timeout))
			d.sendFallback(ctx, b)
			return fmt.Errorf("agent invoke timed out after %s: %w", d.timeout, err)
		}
		return fmt.Errorf("agent invoke: %w", err)
	}

	blocks := response.Normalize(res.FinalOutput, response.DefaultMaxLength, b.ProjectID == "")
	tools := MergeCalendarCards(res.Tools, d.threshold)
	if len(tools) == 0 && len(projTools) > 0 {
		tools = placeholderTools(b.ProjectID, projTools)
	}

	if err := d.deliver(ctx, b, blocks, tools); err != nil {
		SendFailures.Inc()
		return err
	}
	d.persist(ctx, b, blocks, tools)
	return nil
}

// deliver routes the normalized blocks to the conversation's channel.
func (d *Dispatcher) deliver(ctx context.Context, b ingest.Batch, blocks []response.Block, tools []agent.ToolUsage) error {
	channel := d.opts.Route.Channel
	if channel == "" || channel == channels.ChannelWS {
		return d.publishBlocks(ctx, b, blocks, tools)
	}

	sender, ok := d.opts.Senders[channel]
	if !ok {
		return fmt.Errorf("no sender configured for channel %q", channel)
	}
	for _, block := range blocks {
		msg := channels.Message{
			Recipient:     b.UserID,
			Text:          block.Text,
			MediaURL:      block.ImageURL,
			PhoneNumberID: d.opts.Route.PhoneNumberID,
			AccessToken:   d.opts.Route.AccessToken,
		}
		if err := d.sendWithRetry(ctx, sender, msg); err != nil {
			return fmt.Errorf("sending on %s: %w", channel, err)
		}
	}
	return nil
}

// wsMessage is the payload shape the operator console and chat widget
// consume.
type wsMessage struct {
	TextResponse string            `json:"text_response"`
	Attachments  []string          `json:"attachments,omitempty"`
	Tools        []agent.ToolUsage `json:"tools,omitempty"`
}

type aiResponseEvent struct {
	Type      string    `json:"type"`
	Message   wsMessage `json:"message"`
	ProjectID string    `json:"project_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CreatedAt string    `json:"created_at"`
}

// publishBlocks emits one ai_response event per block; the tool cards
// ride on the first.
func (d *Dispatcher) publishBlocks(ctx context.Context, b ingest.Batch, blocks []response.Block, tools []agent.ToolUsage) error {
	if d.opts.Bus == nil {
		return errors.New("dispatch: no event bus configured for websocket delivery")
	}
	createdAt := d.now().UTC().Format(time.RFC3339)
	for i, block := range blocks {
		msg := wsMessage{TextResponse: block.Text}
		if block.ImageURL != "" {
			msg.Attachments = []string{block.ImageURL}
		}
		if i == 0 {
			msg.Tools = tools
		}
		event := aiResponseEvent{
			Type:      events.EventAIResponse,
			Message:   msg,
			ProjectID: b.ProjectID,
			ThreadID:  b.ThreadID,
			CreatedAt: createdAt,
		}
		if err := d.opts.Bus.Publish(ctx, d.opts.BusinessID, events.EventAIResponse, event); err != nil {
			return fmt.Errorf("publishing ai_response: %w", err)
		}
	}
	return nil
}

// sendWithRetry makes bounded delivery attempts with a fixed pause.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender channels.Sender, msg channels.Message) error {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if lastErr = sender.Send(ctx, msg); lastErr == nil {
			return nil
		}
		d.logger.Warn("channel send failed",
			zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt == sendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendBackoff):
		}
	}
	return fmt.Errorf("send failed after %d attempts: %w", sendAttempts, lastErr)
}

// sendFallback tells the user the assistant is unavailable. Best
// effort: the invoke error is what the caller reports.
func (d *Dispatcher) sendFallback(ctx context.Context, b ingest.Batch) {
	blocks := []response.Block{{Text: fallbackReply}}
	if err := d.deliver(ctx, b, blocks, nil); err != nil {
		d.logger.Warn("fallback delivery failed", zap.Error(err))
	}
}

// persist writes the assistant turn and marks the conversation read.
// Failures here are logged, the reply already reached the user.
func (d *Dispatcher) persist(ctx context.Context, b ingest.Batch, blocks []response.Block, tools []agent.ToolUsage) {
	if d.opts.History == nil {
		return
	}
	rec := history.AssistantRecord{
		BusinessID:   d.opts.BusinessID,
		BusinessName: d.opts.BusinessName,
		AgentID:      d.opts.AgentID,
		AgentName:    d.opts.AgentName,
		Service:      d.opts.Service,
		ThreadID:     b.ThreadID,
		ProjectID:    b.ProjectID,
		CustomerID:   b.UserID,
		Response: map[string]any{
			"blocks": blocks,
			"tools":  tools,
		},
	}
	if err := d.opts.History.UpsertAssistantState(ctx, rec); err != nil {
		d.logger.Error("upserting assistant state", zap.Error(err))
	}
	if err := d.opts.History.InsertAssistantMessage(ctx, rec); err != nil {
		d.logger.Error("inserting assistant message", zap.Error(err))
	}
	if err := d.opts.History.TouchLastRead(ctx, d.opts.BusinessID, b.UserID); err != nil {
		d.logger.Error("touching last_read_at", zap.Error(err))
	}
	if d.opts.Bus != nil {
		err := d.opts.Bus.Publish(ctx, d.opts.BusinessID, events.EventMarkRead,
			map[string]string{"type": events.EventMarkRead, "customer_id": b.UserID})
		if err != nil {
			d.logger.Warn("publishing mark_read", zap.Error(err))
		}
	}
}

func filesMeta(files []ingest.FileRef) []agent.FileMeta {
	if len(files) == 0 {
		return nil
	}
	out := make([]agent.FileMeta, 0, len(files))
	for _, f := range files {
		out = append(out, agent.FileMeta{URL: f.URL, Mime: f.Mime})
	}
	return out
}
