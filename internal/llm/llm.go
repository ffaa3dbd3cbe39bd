// Package llm drives agent conversations through an OpenAI-compatible
// chat-completions endpoint.
//
// Runner executes the tool loop: tool calls requested by the model are
// dispatched to registered tool functions and their results fed back
// until the model produces a final text answer. A failing tool is
// serialized into its tool result instead of aborting the run, so the
// model can recover or explain.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("dialogd.llm")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxTurns bounds the tool loop for one run.
const DefaultMaxTurns = 10

// Message roles accepted by Runner.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of model input. Images are URLs or data URIs
// rendered as image parts alongside Text.
type Message struct {
	Role   string
	Text   string
	Images []string
}

// ToolDef declares one callable tool: a JSON-schema parameters object
// plus the function invoked on every model call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
	Invoke      func(ctx context.Context, args map[string]any) (any, error)
}

// Config holds provider settings for Runner and Transcriber.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	TranscribeModel string
	MaxTurns        int
}

// Runner runs one agent conversation turn against the model.
type Runner struct {
	client   openai.Client
	model    string
	maxTurns int
	logger   *zap.Logger
}

// NewRunner builds a Runner. BaseURL may point at any OpenAI-compatible
// endpoint; empty means the provider default.
func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Runner{
		client:   newClient(cfg),
		model:    cfg.Model,
		maxTurns: maxTurns,
		logger:   logger,
	}
}

func newClient(cfg Config) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return openai.NewClient(opts...)
}

// WithModel returns a copy of the runner targeting model. The underlying
// client is shared. An empty model keeps the configured one.
func (r *Runner) WithModel(model string) *Runner {
	if model == "" || model == r.model {
		return r
	}
	clone := *r
	clone.model = model
	return &clone
}

// RunModel runs like Run but targets model for this call when model is
// non-empty. Agents use it to honor per-agent model overrides.
func (r *Runner) RunModel(ctx context.Context, model, instructions string, msgs []Message, tools []ToolDef) (string, error) {
	return r.WithModel(model).Run(ctx, instructions, msgs, tools)
}

// Run sends the assembled conversation and resolves tool calls until
// the model answers in text. instructions becomes the system message.
func (r *Runner) Run(ctx context.Context, instructions string, msgs []Message, tools []ToolDef) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", r.model),
		attribute.Int("messages", len(msgs)),
		attribute.Int("tools", len(tools)))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(r.model),
		Messages: buildMessages(instructions, msgs),
	}
	byName := make(map[string]ToolDef, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
		params.Tools = append(params.Tools, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  shared.FunctionParameters(t.Parameters),
				},
			},
		})
	}

	for turn := 0; turn < r.maxTurns; turn++ {
		start := time.Now()
		completion, err := r.client.Chat.Completions.New(ctx, params)
		CompletionDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			CompletionsTotal.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("chat completion: %w", err)
		}
		CompletionsTotal.WithLabelValues("ok").Inc()
		if len(completion.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}

		msg := completion.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("turns", turn+1))
			span.SetStatus(codes.Ok, "success")
			return msg.Content, nil
		}

		params.Messages = append(params.Messages, msg.ToParam())
		for _, call := range msg.ToolCalls {
			params.Messages = append(params.Messages,
				openai.ToolMessage(r.runTool(ctx, byName, call), call.ID))
		}
	}

	span.SetStatus(codes.Error, "tool loop exceeded")
	return "", fmt.Errorf("tool loop exceeded %d turns", r.maxTurns)
}

func (r *Runner) runTool(ctx context.Context, byName map[string]ToolDef, call openai.ChatCompletionMessageToolCallUnion) string {
	name := call.Function.Name
	def, ok := byName[name]
	if !ok {
		r.logger.Warn("model called unknown tool", zap.String("tool", name))
		return errorResult(name, "unknown tool")
	}

	args := map[string]any{}
	if raw := call.Function.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			r.logger.Warn("invalid tool arguments", zap.String("tool", name), zap.Error(err))
			return errorResult(name, "invalid arguments: "+err.Error())
		}
	}

	ToolCallsTotal.WithLabelValues(name).Inc()
	out, err := def.Invoke(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		return errorResult(name, err.Error())
	}
	return toolResultText(out)
}

func buildMessages(instructions string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if instructions != "" {
		out = append(out, openai.SystemMessage(instructions))
	}
	for _, m := range msgs {
		switch {
		case len(m.Images) > 0:
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
			if m.Text != "" {
				parts = append(parts, openai.TextContentPart(m.Text))
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(
					openai.ChatCompletionContentPartImageImageURLParam{URL: img}))
			}
			out = append(out, openai.UserMessage(parts))
		case m.Role == RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text))
		case m.Role == RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		default:
			out = append(out, openai.UserMessage(m.Text))
		}
	}
	return out
}

func errorResult(tool, detail string) string {
	out, _ := json.Marshal(map[string]any{
		"ok":     false,
		"error":  "tool_exception",
		"tool":   tool,
		"detail": detail,
	})
	return string(out)
}

// toolResultText serializes a tool result for the model. Strings pass
// through untouched so tools can return preformatted JSON.
func toolResultText(out any) string {
	if s, ok := out.(string); ok {
		return s
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(b)
}

// IsTransientError reports whether err looks like a temporary network
// or server-side failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	return strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded")
}
