// Package response turns raw agent output into channel-ready message blocks.
//
// Parsing is separated from presentation: Normalize maps the raw string to a
// list of text/image blocks, and channel-specific formatting happens at the
// send site. Project-scoped responses skip block splitting entirely.
package response

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the per-block character budget before word-safe
// wrapping kicks in.
const DefaultMaxLength = 999

// Block is one deliverable unit: text plus at most one leading image URL.
type Block struct {
	Text     string `json:"text_response"`
	ImageURL string `json:"image_response"`
}

var (
	imageURLRE      = regexp.MustCompile(`(?i)https?://\S+\.(?:jpg|jpeg|png|gif|bmp|webp)`)
	markdownImageRE = regexp.MustCompile(`!\[.*?\]\(.*?\)`)
	markdownLinkRE  = regexp.MustCompile(`\[\s*(https?://[^\]]+?)\s*\]\(\s*([^)]+?)\s*\)`)
	multiSpaceRE    = regexp.MustCompile(` +`)
	paragraphRE     = regexp.MustCompile(`\n\s*\n+`)
	trailingDashRE  = regexp.MustCompile(`\n\s*[-—]\s*$`)
)

// strippedGlyphs are removed wholesale from agent output.
var strippedGlyphs = []string{"*", "'", `"`, "|", "#", "<", ">", "«", "»"}

// CleanText strips formatting glyphs, converts hyphens to em-dashes,
// collapses runs of spaces, rejoins paragraphs with blank lines and unwraps
// self-referential markdown links.
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "**", "")
	for _, glyph := range strippedGlyphs {
		text = strings.ReplaceAll(text, glyph, "")
	}
	text = strings.ReplaceAll(text, "-", "—")
	text = strings.ReplaceAll(text, "\t", " ")
	text = multiSpaceRE.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	paragraphs := paragraphRE.Split(text, -1)
	kept := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	result := strings.Join(kept, "\n\n")

	// [URL](URL) with identical halves collapses to the bare URL.
	result = markdownLinkRE.ReplaceAllStringFunc(result, func(m string) string {
		sub := markdownLinkRE.FindStringSubmatch(m)
		if len(sub) == 3 && sub[1] == strings.TrimSpace(sub[2]) {
			return sub[1]
		}
		return m
	})
	return result
}

// ExtractImageURL returns the first image URL in line, or "".
func ExtractImageURL(line string) string {
	return strings.TrimSpace(imageURLRE.FindString(line))
}

// SplitBlocks splits text into blocks on '|' separators and paragraph
// breaks.
func SplitBlocks(text string) []string {
	var blocks []string
	if strings.Contains(text, "|") {
		for _, part := range strings.Split(text, "|") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			blocks = append(blocks, splitParagraphs(part)...)
		}
		return blocks
	}
	return splitParagraphs(text)
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRE.Split(text, -1) {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ProcessBlock extracts the first image URL from a block, removes markdown
// image constructs, cleans the remaining text and drops a trailing lone
// dash line.
func ProcessBlock(block string) Block {
	var url string
	var lines []string
	for _, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "'" || trimmed == `""` {
			continue
		}
		if url == "" {
			if candidate := ExtractImageURL(line); candidate != "" {
				url = candidate
				line = strings.ReplaceAll(line, candidate, "")
			}
		}
		lines = append(lines, line)
	}

	joined := strings.Join(lines, "\n")
	joined = markdownImageRE.ReplaceAllString(joined, "")

	cleaned := CleanText(joined)
	cleaned = trailingDashRE.ReplaceAllString(cleaned, "")

	return Block{Text: cleaned, ImageURL: url}
}

// Normalize processes a raw agent response into deliverable blocks.
//
// With allowBlockSplit the text is split on '|' and paragraph breaks;
// without it (project-scoped responses) the whole text is one block. Blocks
// whose text exceeds maxLength are wrapped word-safely, each part carrying
// the block's image URL. Image-only blocks merge into their predecessor.
func Normalize(raw string, maxLength int, allowBlockSplit bool) []Block {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	var blocks []string
	if allowBlockSplit {
		blocks = SplitBlocks(raw)
	} else if s := strings.TrimSpace(raw); s != "" {
		blocks = []string{s}
	}

	var result []Block
	for _, block := range blocks {
		msg := ProcessBlock(block)
		if utf8.RuneCountInString(msg.Text) > maxLength {
			for _, part := range wrapWords(msg.Text, maxLength) {
				if strings.TrimSpace(part) != "" || strings.TrimSpace(msg.ImageURL) != "" {
					result = append(result, Block{Text: part, ImageURL: msg.ImageURL})
				}
			}
			continue
		}
		if strings.TrimSpace(msg.Text) != "" || strings.TrimSpace(msg.ImageURL) != "" {
			result = append(result, msg)
		}
	}

	var merged []Block
	for _, msg := range result {
		if strings.TrimSpace(msg.Text) == "" && strings.TrimSpace(msg.ImageURL) != "" && len(merged) > 0 {
			last := &merged[len(merged)-1]
			if strings.TrimSpace(last.ImageURL) == "" {
				last.ImageURL = msg.ImageURL
			} else {
				last.ImageURL += " " + msg.ImageURL
			}
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

// wrapWords wraps text at width characters without breaking words. A single
// word longer than width stays intact on its own line.
func wrapWords(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	current := words[0]
	currentLen := utf8.RuneCountInString(words[0])
	for _, word := range words[1:] {
		wordLen := utf8.RuneCountInString(word)
		if currentLen+1+wordLen <= width {
			current += " " + word
			currentLen += 1 + wordLen
			continue
		}
		lines = append(lines, current)
		current, currentLen = word, wordLen
	}
	return append(lines, current)
}
