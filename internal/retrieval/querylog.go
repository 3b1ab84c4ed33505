package retrieval

import (
	"sync"
	"time"
)

// QueryRecord is one logged developer question. The drift engine embeds
// recent records as an activity signal.
type QueryRecord struct {
	Question  string    `json:"question"`
	Timestamp time.Time `json:"timestamp"`
}

// queryLog keeps a bounded per-project ring of recent queries, newest last.
type queryLog struct {
	mu        sync.Mutex
	size      int
	byProject map[string][]QueryRecord
}

func newQueryLog(size int) *queryLog {
	if size <= 0 {
		size = 100
	}
	return &queryLog{size: size, byProject: make(map[string][]QueryRecord)}
}

func (q *queryLog) Record(projectID, question string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ring := append(q.byProject[projectID], QueryRecord{Question: question, Timestamp: time.Now().UTC()})
	if len(ring) > q.size {
		ring = ring[len(ring)-q.size:]
	}
	q.byProject[projectID] = ring
}

func (q *queryLog) Recent(projectID string, since time.Time) []QueryRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []QueryRecord
	for _, rec := range q.byProject[projectID] {
		if rec.Timestamp.After(since) {
			out = append(out, rec)
		}
	}
	return out
}
