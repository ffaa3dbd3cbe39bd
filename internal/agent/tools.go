package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fyrsmithlabs/dialogd/internal/llm"
)

// Capability names a piece of per-invoke context a tool may receive.
// Tools see only the fields they declare; the model never supplies
// tenant identifiers itself.
type Capability string

const (
	CapBusinessID Capability = "business_id"
	CapProjectID  Capability = "project_id"
	CapCustomerID Capability = "customer_id"
	CapKnowledge  Capability = "knowledge"
	CapUsage      Capability = "usage"
)

// Knowledge scoping modes carried in KnowledgeOptions.Mode.
const (
	KnowledgeModeAll      = "all"
	KnowledgeModePinned   = "pinned"
	KnowledgeModeSelected = "selected"
)

// KnowledgeOptions scope knowledge retrieval for one invoke. Mode "all"
// searches every source of the business, the other modes restrict the
// search to SelectedIDs.
type KnowledgeOptions struct {
	Mode        string
	SelectedIDs []string
	TopK        int
}

// CallContext carries the per-invoke fields a tool declared via
// Spec.Needs. Undeclared fields stay zero.
type CallContext struct {
	BusinessID string
	ProjectID  string
	CustomerID string
	Knowledge  *KnowledgeOptions

	// Record appends a usage card for the current invoke. Set only for
	// tools declaring CapUsage.
	Record func(ToolUsage)
}

// Spec declares one agent tool: its model-facing schema, the context
// fields it needs and the function that does the work.
type Spec struct {
	Name        string
	Type        string
	Title       string
	Description string
	Parameters  map[string]any
	Needs       []Capability
	Run         func(ctx context.Context, call CallContext, args map[string]any) (any, error)
}

func (s Spec) needs(c Capability) bool {
	for _, n := range s.Needs {
		if n == c {
			return true
		}
	}
	return false
}

// filteredContext narrows call to the fields the spec declared.
func (s Spec) filteredContext(call CallContext, ring *usageRing) CallContext {
	var out CallContext
	if s.needs(CapBusinessID) {
		out.BusinessID = call.BusinessID
	}
	if s.needs(CapProjectID) {
		out.ProjectID = call.ProjectID
	}
	if s.needs(CapCustomerID) {
		out.CustomerID = call.CustomerID
	}
	if s.needs(CapKnowledge) {
		out.Knowledge = call.Knowledge
	}
	if s.needs(CapUsage) {
		out.Record = ring.add
	}
	return out
}

func (s Spec) title() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Name
}

// ToolUsage is one tool-usage card surfaced alongside the final answer.
type ToolUsage struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Type      string `json:"type"`
	Icon      string `json:"icon,omitempty"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at,omitempty"`
}

const (
	usageRingCap   = 20
	usageTextLimit = 2000
)

// usageRing collects tool-usage cards for a single invoke, keeping the
// most recent entries.
type usageRing struct {
	mu      sync.Mutex
	entries []ToolUsage
}

func (r *usageRing) add(u ToolUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = fmt.Sprintf("tool_%d", len(r.entries)+1)
	}
	r.entries = append(r.entries, u)
	if len(r.entries) > usageRingCap {
		r.entries = r.entries[len(r.entries)-usageRingCap:]
	}
}

// cards returns normalized entries: stable ids, title and timestamp
// fallbacks, deduplicated by id keeping first-seen order and last-seen
// value.
func (r *usageRing) cards() []ToolUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339)
	index := make(map[string]int, len(r.entries))
	out := make([]ToolUsage, 0, len(r.entries))
	for _, e := range r.entries {
		e.Tool = strings.TrimSpace(e.Tool)
		if e.ID == "" {
			e.ID = fallbackUsageID(e.Type, e.Tool)
		}
		if e.Title == "" {
			if e.Tool != "" {
				e.Title = e.Tool
			} else {
				e.Title = e.Type
			}
		}
		if e.CreatedAt == "" {
			e.CreatedAt = now
		}
		if at, ok := index[e.ID]; ok {
			out[at] = e
			continue
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

// wrap binds spec to one invoke's context and ring, producing the
// definition handed to the model runner. Every call leaves a usage
// card; a failed call leaves an error card and surfaces the error to
// the model as a tool exception.
func wrap(spec Spec, call CallContext, ring *usageRing) llm.ToolDef {
	return llm.ToolDef{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters:  spec.Parameters,
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			out, err := spec.Run(ctx, spec.filteredContext(call, ring), args)
			if err != nil {
				ring.add(ToolUsage{
					ID:    fmt.Sprintf("%s_err_%d", spec.Name, time.Now().Unix()),
					Tool:  spec.Name,
					Type:  spec.Type,
					Title: spec.title(),
					Text:  "error: " + err.Error(),
				})
				return nil, err
			}
			ring.add(ToolUsage{
				ID:    fmt.Sprintf("%s_%d", spec.Name, time.Now().Unix()),
				Tool:  spec.Name,
				Type:  spec.Type,
				Title: spec.title(),
				Text:  clampUsageText(usageText(out)),
			})
			return out, nil
		},
	}
}

func usageText(out any) string {
	if s, ok := out.(string); ok {
		return s
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(b)
}

func clampUsageText(s string) string {
	if len(s) <= usageTextLimit {
		return s
	}
	return strings.ToValidUTF8(s[:usageTextLimit], "")
}

var (
	slugRE = regexp.MustCompile(`[^a-z0-9]+`)
	wordRE = regexp.MustCompile(`[a-zA-Z]+`)
)

// normName lowercases and strips everything but letters and digits, so
// "Calendar-List" and "calendar_list" compare equal. Unicode letters
// survive, tool lists carry Russian names too.
func normName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// publicName flattens a tool key into the snake_case name the model
// calls, e.g. "Knowledge-Retriever" becomes "knowledge_retriever".
func publicName(key string) string {
	if s := strings.Join(wordRE.FindAllString(strings.ToLower(key), -1), "_"); s != "" {
		return s
	}
	return normName(key)
}

func fallbackUsageID(typ, tool string) string {
	slug := slugRE.ReplaceAllString(strings.ToLower(typ+"_"+tool), "_")
	return "t_" + strings.Trim(slug, "_")
}

// Argument helpers tolerate the loose shapes models produce.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

// stringList accepts a JSON array, a JSON-encoded array string or a
// comma-separated string.
func stringList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, it := range val {
			if s := strings.TrimSpace(anyString(it)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		var parsed []any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return stringList(parsed)
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func anyString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
