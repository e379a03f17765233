package query

import (
	"fmt"
	"testing"
	"time"

	"github.com/ymonai/atwatch/internal/atwatch/record"
)

func newTestStore(t *testing.T) *record.Store {
	t.Helper()
	s, err := record.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func textMsg(sender, text string) record.Message {
	return record.Message{
		SenderID: sender,
		Content:  []record.ContentItem{{Kind: record.KindText, Text: text}},
	}
}

func mentionMsg(sender, text, targetID string) record.Message {
	msg := textMsg(sender, text)
	msg.Content = append(msg.Content, record.ContentItem{
		Kind:     record.KindMention,
		TargetID: targetID,
	})
	return msg
}

func putRecord(t *testing.T, s *record.Store, roomID, platformID, senderID, targetID string, start time.Time, msgs ...record.Message) *record.Record {
	t.Helper()
	rec := &record.Record{
		ID:        record.NewID(roomID, start, platformID),
		RoomID:    roomID,
		SenderID:  senderID,
		Targets:   []record.MentionTarget{{ID: targetID}},
		StartTime: start,
		Messages:  msgs,
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return rec
}

func TestWhoMentioned_MatchesSubjectAndRetention(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	retention := 3 * 24 * time.Hour

	fresh := putRecord(t, store, "!room:test", "$fresh", "@alice:test", "@me:test",
		now.Add(-time.Hour), mentionMsg("@alice:test", "ping", "@me:test"))
	putRecord(t, store, "!room:test", "$stale", "@alice:test", "@me:test",
		now.Add(-4*24*time.Hour), mentionMsg("@alice:test", "old ping", "@me:test"))
	putRecord(t, store, "!room:test", "$other", "@alice:test", "@someone:test",
		now.Add(-time.Hour), mentionMsg("@alice:test", "not for me", "@someone:test"))

	e := New(store, retention)
	got := e.WhoMentioned("!room:test", "@me:test", now)
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("WhoMentioned = %v, want just %s", got, fresh.ID)
	}
}

func TestWhoMentioned_RoomWideMentionMatchesAnySubject(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	putRecord(t, store, "!room:test", "$all", "@alice:test", record.EveryoneTarget,
		now.Add(-time.Hour), mentionMsg("@alice:test", "hey all", record.EveryoneTarget))

	e := New(store, 3*24*time.Hour)
	if got := e.WhoMentioned("!room:test", "@anyone:test", now); len(got) != 1 {
		t.Fatalf("room-wide mention not surfaced: %v", got)
	}
}

func TestWhoMentioned_TruncatesAfterSendersLastFollowUp(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Mention at index 0, sender follow-up at index 2: the excerpt is cut at
	// index 4 (one grace message past the follow-up), dropping the tail.
	putRecord(t, store, "!room:test", "$evt", "@alice:test", "@me:test", now.Add(-time.Hour),
		mentionMsg("@alice:test", "ping", "@me:test"),
		textMsg("@bob:test", "reply-1"),
		textMsg("@alice:test", "follow-up"),
		textMsg("@bob:test", "reply-2"),
		textMsg("@carol:test", "reply-3"),
	)

	e := New(store, 3*24*time.Hour)
	got := e.WhoMentioned("!room:test", "@me:test", now)
	if len(got) != 1 {
		t.Fatalf("WhoMentioned = %d records, want 1", len(got))
	}
	msgs := got[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("truncated to %d messages, want 4", len(msgs))
	}
	if last := msgs[3].Content[0].Text; last != "reply-2" {
		t.Errorf("last kept message = %q, want reply-2", last)
	}
}

func TestWhoMentioned_NoFollowUpKeepsWholeExcerpt(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	putRecord(t, store, "!room:test", "$evt", "@alice:test", "@me:test", now.Add(-time.Hour),
		mentionMsg("@alice:test", "ping", "@me:test"),
		textMsg("@bob:test", "reply-1"),
		textMsg("@carol:test", "reply-2"),
	)

	e := New(store, 3*24*time.Hour)
	got := e.WhoMentioned("!room:test", "@me:test", now)
	if len(got) != 1 || len(got[0].Messages) != 3 {
		t.Fatalf("excerpt was truncated without a follow-up: %v", got)
	}
}

func TestWhoMentioned_DropsRecordWithUnlocatableMention(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Targets say @me, but no message by the record's sender carries a
	// mention, so the record cannot be finalized.
	putRecord(t, store, "!room:test", "$evt", "@alice:test", "@me:test", now.Add(-time.Hour),
		textMsg("@alice:test", "no mention here"),
		mentionMsg("@bob:test", "wrong sender", "@me:test"),
	)

	e := New(store, 3*24*time.Hour)
	if got := e.WhoMentioned("!room:test", "@me:test", now); len(got) != 0 {
		t.Fatalf("unfinalizable record surfaced: %v", got)
	}
}

func TestWhoMentioned_SkipsZeroStartTime(t *testing.T) {
	store := newTestStore(t)
	rec := &record.Record{
		ID:       "x",
		RoomID:   "!room:test",
		SenderID: "@alice:test",
		Targets:  []record.MentionTarget{{ID: "@me:test"}},
		Messages: []record.Message{mentionMsg("@alice:test", "ping", "@me:test")},
	}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := New(store, 3*24*time.Hour)
	if got := e.WhoMentioned("!room:test", "@me:test", time.Now()); len(got) != 0 {
		t.Fatalf("zero start time record surfaced: %v", got)
	}
}

func TestWhoMentioned_NewestFirstCappedAtLimit(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultLimit+3; i++ {
		putRecord(t, store, "!room:test", fmt.Sprintf("$evt%d", i), "@alice:test", "@me:test",
			now.Add(-time.Duration(i)*time.Minute),
			mentionMsg("@alice:test", fmt.Sprintf("ping %d", i), "@me:test"))
	}

	e := New(store, 3*24*time.Hour)
	got := e.WhoMentioned("!room:test", "@me:test", now)
	if len(got) != DefaultLimit {
		t.Fatalf("returned %d records, want %d", len(got), DefaultLimit)
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartTime.After(got[i-1].StartTime) {
			t.Fatalf("results not newest-first at index %d", i)
		}
	}
}

func TestWhoMentioned_DoesNotMutateStoredRecord(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	rec := putRecord(t, store, "!room:test", "$evt", "@alice:test", "@me:test", now.Add(-time.Hour),
		mentionMsg("@alice:test", "ping", "@me:test"),
		textMsg("@bob:test", "reply-1"),
		textMsg("@alice:test", "follow-up"),
		textMsg("@bob:test", "reply-2"),
		textMsg("@carol:test", "reply-3"),
	)

	e := New(store, 3*24*time.Hour)
	e.WhoMentioned("!room:test", "@me:test", now)

	stored, _ := store.Get("!room:test", rec.ID)
	if len(stored.Messages) != 5 {
		t.Fatalf("query truncation leaked into the store: %d messages", len(stored.Messages))
	}
}
