// Package history persists conversation state: one summary row per
// (business, customer) pair and an append-only message log. Stored
// message payloads arrived from several generations of clients, so
// reads funnel through Normalize, which reduces any stored shape to a
// plain {role, content} pair.
package history

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Roles assigned during normalization when the stored payload does not
// carry one.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RoleContent is the normalized form of one stored message.
type RoleContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Attachment is one attachment object carried inside a stored message.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// CustomerMessage is the stored shape of one inbound message.
type CustomerMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Normalize reduces a stored message payload to {role, content}.
// Accepted shapes: a JSON object with role/actor/sender and
// content/message/text keys, a JSON string (possibly itself JSON
// encoded), an array whose first object element wins, or a bare
// [role, content] pair. Anything unrecognized is stringified under the
// assistant role.
func Normalize(raw []byte) RoleContent {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return RoleContent{Role: RoleAssistant}
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		// Not JSON at all: treat the bytes as plain text.
		return RoleContent{Role: RoleAssistant, Content: trimmed}
	}
	return normalizeValue(v)
}

func normalizeValue(v any) RoleContent {
	switch val := v.(type) {
	case nil:
		return RoleContent{Role: RoleAssistant}
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(val), &parsed); err == nil {
			return normalizeValue(parsed)
		}
		return RoleContent{Role: RoleAssistant, Content: val}
	case map[string]any:
		role := firstString(val, "role", "actor", "sender")
		if role == "" {
			role = RoleAssistant
		}
		return RoleContent{Role: role, Content: firstContent(val, "content", "message", "text")}
	case []any:
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				return normalizeValue(m)
			}
		}
		if len(val) >= 2 {
			if role, ok := val[0].(string); ok {
				return RoleContent{Role: role, Content: stringify(val[1])}
			}
		}
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = stringify(item)
		}
		return RoleContent{Role: RoleAssistant, Content: strings.Join(parts, " ")}
	default:
		return RoleContent{Role: RoleAssistant, Content: stringify(val)}
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstContent returns the first non-empty candidate value, stringified
// when it is not already a string. Legacy rows store content as arrays
// of parts or nested objects.
func firstContent(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case []any:
			if len(val) > 0 {
				return stringify(val)
			}
		case map[string]any:
			if len(val) > 0 {
				return stringify(val)
			}
		default:
			return stringify(val)
		}
	}
	return ""
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// Stored upload filenames carry a random hex prefix separated by an
// underscore.
var uploadPrefixRE = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)

// DisplayName strips the hex upload prefix from a stored filename.
func DisplayName(storedName string) string {
	head, tail, found := strings.Cut(storedName, "_")
	if found && uploadPrefixRE.MatchString(head) {
		return tail
	}
	return storedName
}

// NameFromURL derives a display name from an attachment URL.
func NameFromURL(url string) string {
	base := path.Base(url)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return DisplayName(base)
}

// EnsureNames fills missing attachment names from their URL basenames
// and drops entries with no URL.
func EnsureNames(atts []Attachment) []Attachment {
	out := make([]Attachment, 0, len(atts))
	for _, att := range atts {
		if att.URL == "" {
			continue
		}
		if att.Name == "" {
			att.Name = NameFromURL(att.URL)
		}
		out = append(out, att)
	}
	return out
}
