// Package query answers "who mentioned me" queries over the record store.
//
// The engine only reads: records are filtered by room, retention horizon, and
// target set, finalized by the truncation heuristic below, then ranked by
// start time. It never mutates stored records — finalization happens on
// copies.
package query

import (
	"log/slog"
	"sort"
	"time"

	"github.com/ymonai/atwatch/internal/atwatch/record"
)

// DefaultLimit is the maximum number of records returned per query.
const DefaultLimit = 10

// Engine answers mention queries against a record store.
type Engine struct {
	store     *record.Store
	retention time.Duration
	limit     int
}

// New creates an Engine that surfaces records younger than retention,
// returning at most DefaultLimit per query.
func New(store *record.Store, retention time.Duration) *Engine {
	return &Engine{store: store, retention: retention, limit: DefaultLimit}
}

// WhoMentioned returns the finalized records in roomID that mention subjectID
// (directly or via the everyone sentinel), newest first, at most 10.
//
// Finalization re-locates the record's own triggering mention: the first
// message authored by the record's sender that contains a mention. Records
// where it cannot be found are unqueryable and dropped. When the sender
// followed up after the mention, the excerpt is cut two messages past their
// last follow-up, keeping one grace message beyond it. The arithmetic is a
// behavior-compatibility rule, preserved exactly.
func (e *Engine) WhoMentioned(roomID, subjectID string, now time.Time) []*record.Record {
	cutoff := now.Add(-e.retention)

	var results []*record.Record
	for _, rec := range e.store.Records(roomID) {
		if rec.StartTime.IsZero() {
			slog.Warn("query: record has unparseable start time, skipping",
				"room", roomID, "record", rec.ID)
			continue
		}
		if rec.StartTime.Before(cutoff) {
			continue
		}
		if !targetsSubject(rec.Targets, subjectID) {
			continue
		}

		mentionIdx := -1
		for i := range rec.Messages {
			msg := &rec.Messages[i]
			if msg.SenderID == rec.SenderID && len(msg.Mentions()) > 0 {
				mentionIdx = i
				break
			}
		}
		if mentionIdx == -1 {
			continue
		}

		lastSenderIdx := -1
		for i := mentionIdx + 1; i < len(rec.Messages); i++ {
			if rec.Messages[i].SenderID == rec.SenderID {
				lastSenderIdx = i
			}
		}
		if lastSenderIdx != -1 {
			end := min(lastSenderIdx+2, len(rec.Messages))
			rec.Messages = rec.Messages[:end]
		}

		results = append(results, rec)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartTime.After(results[j].StartTime)
	})
	if len(results) > e.limit {
		results = results[:e.limit]
	}
	return results
}

func targetsSubject(targets []record.MentionTarget, subjectID string) bool {
	for _, t := range targets {
		if t.ID == subjectID || t.ID == record.EveryoneTarget {
			return true
		}
	}
	return false
}
