package ingest

import (
	"fmt"
	"time"
)

// item is one queued message fragment. stop marks the queue for
// drain-and-exit.
type item struct {
	text   string
	images []string
	files  []FileRef
	stop   bool
}

// combineContent joins the texts of a collected batch into the single
// agent turn. The first text carries the date/time preamble so the
// agent knows when the user wrote; a batch of pure media still gets a
// bare preamble.
func combineContent(items []item, now time.Time) string {
	prefix := fmt.Sprintf("[Дата и время текущего сообщения: %s - %s]",
		now.Format("02-01-2006"), now.Format("15:04"))

	var out string
	first := true
	for _, it := range items {
		if it.text == "" {
			continue
		}
		if first {
			out = prefix + " Сообщение от пользователя: " + it.text
			first = false
			continue
		}
		out += "\n" + it.text
	}
	if first {
		return prefix
	}
	return out
}

// batchOf folds the collected items into one Batch for the sink.
func batchOf(q *convQueue, items []item, now time.Time) Batch {
	b := Batch{
		UserID:    q.userID,
		ThreadID:  q.threadID,
		ProjectID: q.projectID,
		Content:   combineContent(items, now),
	}
	for _, it := range items {
		b.Images = append(b.Images, it.images...)
		b.Files = append(b.Files, it.files...)
	}
	return b
}
