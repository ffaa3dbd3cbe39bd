package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeObject(t *testing.T) {
	got := Normalize([]byte(`{"role": "user", "content": "Здравствуйте!"}`))
	assert.Equal(t, RoleContent{Role: "user", Content: "Здравствуйте!"}, got)
}

func TestNormalizeRoleFallbacks(t *testing.T) {
	assert.Equal(t, "manager",
		Normalize([]byte(`{"actor": "manager", "text": "ok"}`)).Role)
	assert.Equal(t, "bot",
		Normalize([]byte(`{"sender": "bot", "message": "ok"}`)).Role)
	assert.Equal(t, RoleAssistant,
		Normalize([]byte(`{"content": "без роли"}`)).Role)
}

func TestNormalizeContentFallbacks(t *testing.T) {
	assert.Equal(t, "из message",
		Normalize([]byte(`{"role": "user", "message": "из message"}`)).Content)
	assert.Equal(t, "из text",
		Normalize([]byte(`{"role": "user", "content": "", "text": "из text"}`)).Content)
	assert.Equal(t, "",
		Normalize([]byte(`{"role": "user"}`)).Content)
}

func TestNormalizeStructuredContent(t *testing.T) {
	got := Normalize([]byte(`{"role": "user", "content": [{"type": "text", "text": "привет"}]}`))
	assert.Equal(t, "user", got.Role)
	assert.Contains(t, got.Content, `"привет"`)
}

func TestNormalizeEncodedString(t *testing.T) {
	// Double-encoded rows: a JSON string holding a JSON object.
	got := Normalize([]byte(`"{\"role\": \"user\", \"content\": \"вложенный\"}"`))
	assert.Equal(t, RoleContent{Role: "user", Content: "вложенный"}, got)
}

func TestNormalizePlainString(t *testing.T) {
	got := Normalize([]byte(`"просто текст"`))
	assert.Equal(t, RoleContent{Role: RoleAssistant, Content: "просто текст"}, got)
}

func TestNormalizeInvalidJSON(t *testing.T) {
	got := Normalize([]byte(`не json вовсе`))
	assert.Equal(t, RoleContent{Role: RoleAssistant, Content: "не json вовсе"}, got)
}

func TestNormalizeArrayForms(t *testing.T) {
	// First object element wins.
	got := Normalize([]byte(`[{"role": "user", "content": "первый"}, {"role": "user", "content": "второй"}]`))
	assert.Equal(t, RoleContent{Role: "user", Content: "первый"}, got)

	// [role, content] pair.
	got = Normalize([]byte(`["user", "пара"]`))
	assert.Equal(t, RoleContent{Role: "user", Content: "пара"}, got)

	// Anything else is joined.
	got = Normalize([]byte(`[1, 2, 3]`))
	assert.Equal(t, RoleContent{Role: RoleAssistant, Content: "1 2 3"}, got)
}

func TestNormalizeEmpty(t *testing.T) {
	assert.Equal(t, RoleContent{Role: RoleAssistant}, Normalize(nil))
	assert.Equal(t, RoleContent{Role: RoleAssistant}, Normalize([]byte(`null`)))
	assert.Equal(t, RoleContent{Role: RoleAssistant}, Normalize([]byte(`  `)))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "отчет.pdf", DisplayName("3f8a1c9b_отчет.pdf"))
	assert.Equal(t, "отчет.pdf", DisplayName("отчет.pdf"))
	// Short or non-hex prefixes are kept.
	assert.Equal(t, "ab_отчет.pdf", DisplayName("ab_отчет.pdf"))
	assert.Equal(t, "draft_v2.pdf", DisplayName("draft_v2.pdf"))
}

func TestNameFromURL(t *testing.T) {
	assert.Equal(t, "фото.jpg",
		NameFromURL("https://cdn.example.com/uploads/0a1b2c3d4e_фото.jpg?token=abc"))
	assert.Equal(t, "voice.ogg", NameFromURL("/files/voice.ogg"))
}

func TestEnsureNames(t *testing.T) {
	atts := []Attachment{
		{URL: "https://cdn.example.com/0a1b2c3d4e_счет.pdf", Type: "document"},
		{URL: "https://cdn.example.com/a.jpg", Name: "уже есть.jpg"},
		{Name: "без url"},
	}
	got := EnsureNames(atts)
	assert.Equal(t, []Attachment{
		{URL: "https://cdn.example.com/0a1b2c3d4e_счет.pdf", Name: "счет.pdf", Type: "document"},
		{URL: "https://cdn.example.com/a.jpg", Name: "уже есть.jpg"},
	}, got)
}
