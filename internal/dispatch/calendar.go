package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/dialogd/internal/agent"
)

// DefaultCalendarMergeThreshold accepts merges that clear roughly half
// of the maximum score. Tunable via dispatch.calendar_merge_threshold.
const DefaultCalendarMergeThreshold = 0.45

// Component weights of the merge score. A confident title match alone
// clears the default threshold; date digits or timestamps alone do not.
const (
	titleMatchScore   = 0.5
	titleMatchCutoff  = 0.55
	digitMatchScore   = 0.3
	createdMatchScore = 0.2
	createdWindow     = 600 * time.Second
)

// rawTask is the canonical calendar entry a tool call leaves alongside
// its display card.
type rawTask struct {
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	StartDate string `json:"start_date"`
	StartTime string `json:"start_time"`
	CreatedAt string `json:"created_at"`
}

// MergeCalendarCards fuses raw calendar task entries with their
// human-readable cards. Calendar tools report twice: once with the
// stored task (task_id and canonical fields) and once with the display
// card; showing both duplicates the booking in the client. Pairs are
// matched by title similarity, date/time digits and creation-time
// proximity; unmatched raw tasks become cards of their own. Entries of
// other tool types pass through untouched.
func MergeCalendarCards(usages []agent.ToolUsage, threshold float64) []agent.ToolUsage {
	if threshold <= 0 {
		threshold = DefaultCalendarMergeThreshold
	}

	var (
		out   []agent.ToolUsage
		raws  []rawTask
		cards []int // indexes into out of calendar display cards
	)
	for _, u := range usages {
		if u.Type == "calendar" {
			var task rawTask
			if err := json.Unmarshal([]byte(u.Text), &task); err == nil && task.TaskID != "" {
				if task.CreatedAt == "" {
					task.CreatedAt = u.CreatedAt
				}
				raws = append(raws, task)
				continue
			}
			cards = append(cards, len(out))
		}
		out = append(out, u)
	}

	for _, task := range raws {
		matched := false
		for _, at := range cards {
			if mergeScore(task, out[at]) >= threshold {
				out[at].ID = "t_task_" + task.TaskID
				if out[at].Title == "" {
					out[at].Title = task.Title
				}
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, taskCard(task))
		}
	}
	return out
}

func taskCard(task rawTask) agent.ToolUsage {
	text := strings.TrimSpace(task.StartDate + " " + task.StartTime)
	return agent.ToolUsage{
		ID:        "t_task_" + task.TaskID,
		Tool:      "calendar",
		Type:      "calendar",
		Title:     task.Title,
		Text:      text,
		CreatedAt: task.CreatedAt,
	}
}

func mergeScore(task rawTask, card agent.ToolUsage) float64 {
	var score float64

	cardText := card.Title
	if cardText == "" {
		cardText = card.Text
	}
	if similarity(strings.ToLower(task.Title), strings.ToLower(cardText)) > titleMatchCutoff {
		score += titleMatchScore
	}

	if digits := digitsOf(task.StartDate + task.StartTime); digits != "" &&
		strings.Contains(digitsOf(card.Title+card.Text), digits) {
		score += digitMatchScore
	}

	if closeInTime(task.CreatedAt, card.CreatedAt) {
		score += createdMatchScore
	}
	return score
}

func closeInTime(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA != nil || errB != nil {
		return false
	}
	d := ta.Sub(tb)
	if d < 0 {
		d = -d
	}
	return d <= createdWindow
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// similarity is a difflib-style ratio: twice the length of the longest
// common subsequence over the combined length.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// placeholderTools synthesizes usage cards from a project's tool list
// when an invocation reported none, so the client still shows what the
// project can do.
func placeholderTools(projectID string, tools []string) []agent.ToolUsage {
	out := make([]agent.ToolUsage, 0, len(tools))
	for i, name := range tools {
		out = append(out, agent.ToolUsage{
			ID:    fmt.Sprintf("proj_%s_%d", projectID, i+1),
			Tool:  name,
			Type:  "tool",
			Title: name,
		})
	}
	return out
}
