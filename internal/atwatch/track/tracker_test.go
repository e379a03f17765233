package track

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ymonai/atwatch/internal/atwatch/record"
)

func mentionMessage(sender, msgID, text string, targetIDs ...string) record.Message {
	msg := textMessage(sender, msgID, text)
	for _, id := range targetIDs {
		msg.Content = append(msg.Content, record.ContentItem{
			Kind:       record.KindMention,
			TargetID:   id,
			TargetName: id,
		})
	}
	return msg
}

func newTestTracker(t *testing.T, cacheSize, trackingCount int) (*Tracker, *record.Store) {
	t.Helper()
	store, err := record.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tracker := NewTracker(TrackerConfig{
		TrackingCount: trackingCount,
		BotUserID:     "@atwatch:test",
	}, NewCache(cacheSize), store, nil)
	return tracker, store
}

func recordTexts(rec *record.Record) []string {
	var texts []string
	for _, msg := range rec.Messages {
		texts = append(texts, msg.Content[0].Text)
	}
	return texts
}

func soleRecord(t *testing.T, store *record.Store, roomID string) *record.Record {
	t.Helper()
	recs := store.Records(roomID)
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(recs))
	}
	return recs[0]
}

// Walks a full session lifecycle: context capture on the triggering mention,
// two advances that exhaust the budget, then silence after expiry.
func TestTracker_SessionLifecycle(t *testing.T) {
	tracker, store := newTestTracker(t, 2, 2)
	room := "!room:test"
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tracker.handleMessageAt(context.Background(), room, textMessage("@alice:test", "m1", "m1"), now)
	tracker.handleMessageAt(context.Background(), room, textMessage("@bob:test", "m2", "m2"), now.Add(time.Second))
	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m3", "ping", "@carol:test"), now.Add(2*time.Second))

	if n := tracker.OpenSessions(room); n != 1 {
		t.Fatalf("after mention: OpenSessions = %d, want 1", n)
	}
	rec := soleRecord(t, store, room)
	// Cache capacity is 2, so m1 is already evicted when the mention lands.
	if got := recordTexts(rec); len(got) != 2 || got[0] != "m2" || got[1] != "ping" {
		t.Fatalf("excerpt = %v, want [m2 ping]", got)
	}
	if rec.SenderID != "@alice:test" {
		t.Errorf("record sender = %s, want @alice:test", rec.SenderID)
	}
	if len(rec.Targets) != 1 || rec.Targets[0].ID != "@carol:test" {
		t.Errorf("record targets = %v, want [@carol:test]", rec.Targets)
	}

	tracker.handleMessageAt(context.Background(), room, textMessage("@bob:test", "m4", "m4"), now.Add(3*time.Second))
	rec = soleRecord(t, store, room)
	if got := recordTexts(rec); len(got) != 3 || got[2] != "m4" {
		t.Fatalf("after first advance: %v, want [... m4]", got)
	}
	if n := tracker.OpenSessions(room); n != 1 {
		t.Fatalf("after first advance: OpenSessions = %d, want 1", n)
	}

	tracker.handleMessageAt(context.Background(), room, textMessage("@dave:test", "m5", "m5"), now.Add(4*time.Second))
	rec = soleRecord(t, store, room)
	if got := recordTexts(rec); len(got) != 4 || got[3] != "m5" {
		t.Fatalf("after second advance: %v, want [... m5]", got)
	}
	if n := tracker.OpenSessions(room); n != 0 {
		t.Fatalf("budget exhausted but OpenSessions = %d", n)
	}

	// The session is closed: later messages no longer touch the record.
	tracker.handleMessageAt(context.Background(), room, textMessage("@eve:test", "m6", "m6"), now.Add(5*time.Second))
	rec = soleRecord(t, store, room)
	if len(rec.Messages) != 4 {
		t.Fatalf("closed session grew: %d messages, want 4", len(rec.Messages))
	}
}

func TestTracker_ContextStartsOneBeforeSendersPriorMessage(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 3)
	room := "!room:test"
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tracker.handleMessageAt(context.Background(), room, textMessage("@xavier:test", "m0", "x0"), now)
	tracker.handleMessageAt(context.Background(), room, textMessage("@alice:test", "m1", "a1"), now.Add(time.Second))
	tracker.handleMessageAt(context.Background(), room, textMessage("@bob:test", "m2", "b1"), now.Add(2*time.Second))
	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m3", "ping", "@carol:test"), now.Add(3*time.Second))

	rec := soleRecord(t, store, room)
	got := recordTexts(rec)
	want := []string{"x0", "a1", "b1", "ping"}
	if len(got) != len(want) {
		t.Fatalf("excerpt = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("excerpt = %v, want %v", got, want)
		}
	}
}

func TestTracker_DuplicateMentionRidesExistingSession(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 5)
	room := "!room:test"
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m1", "first", "@carol:test"), now)
	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m2", "again", "@carol:test"), now.Add(time.Second))

	if n := len(store.Records(room)); n != 1 {
		t.Fatalf("duplicate mention spawned a second record: %d records", n)
	}
	if n := tracker.OpenSessions(room); n != 1 {
		t.Fatalf("OpenSessions = %d, want 1", n)
	}
	// The repeat mention still advanced the open session.
	rec := soleRecord(t, store, room)
	if got := recordTexts(rec); len(got) != 2 || got[1] != "again" {
		t.Fatalf("record = %v, want [first again]", got)
	}
}

func TestTracker_DifferentTargetSetOpensSecondSession(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 5)
	room := "!room:test"
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m1", "first", "@carol:test"), now)
	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m2", "second", "@dave:test"), now.Add(time.Second))

	if n := len(store.Records(room)); n != 2 {
		t.Fatalf("records = %d, want 2", n)
	}
	if n := tracker.OpenSessions(room); n != 2 {
		t.Fatalf("OpenSessions = %d, want 2", n)
	}
}

func TestTracker_NoSessionWithoutRealTarget(t *testing.T) {
	tests := []struct {
		name string
		msg  record.Message
	}{
		{
			name: "plain text",
			msg:  textMessage("@alice:test", "m1", "hello"),
		},
		{
			name: "self mention only",
			msg:  mentionMessage("@alice:test", "m1", "me", "@alice:test"),
		},
		{
			name: "sent by the bot itself",
			msg:  mentionMessage("@atwatch:test", "m1", "bot", "@carol:test"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, store := newTestTracker(t, 5, 5)
			room := "!room:test"
			tracker.handleMessageAt(context.Background(), room, tt.msg, time.Now())

			if n := tracker.OpenSessions(room); n != 0 {
				t.Errorf("OpenSessions = %d, want 0", n)
			}
			if n := len(store.Records(room)); n != 0 {
				t.Errorf("records = %d, want 0", n)
			}
			// The message is still cached either way.
			if n := tracker.cache.Len(room); n != 1 {
				t.Errorf("cache Len = %d, want 1", n)
			}
		})
	}
}

func TestTracker_RoomWideMentionOpensSession(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 5)
	room := "!room:test"

	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m1", "hey all", record.EveryoneTarget), time.Now())

	if n := tracker.OpenSessions(room); n != 1 {
		t.Fatalf("OpenSessions = %d, want 1", n)
	}
	rec := soleRecord(t, store, room)
	if len(rec.Targets) != 1 || rec.Targets[0].ID != record.EveryoneTarget {
		t.Errorf("targets = %v, want the room-wide sentinel", rec.Targets)
	}
}

func TestTracker_DanglingSessionIsDropped(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 5)
	room := "!room:test"
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m1", "ping", "@carol:test"), now)
	rec := soleRecord(t, store, room)

	// Delete the backing record out from under the open session.
	if err := store.Delete(room, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	tracker.handleMessageAt(context.Background(), room, textMessage("@bob:test", "m2", "m2"), now.Add(time.Second))
	if n := tracker.OpenSessions(room); n != 0 {
		t.Fatalf("dangling session survived: OpenSessions = %d", n)
	}
	if n := len(store.Records(room)); n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
}

func TestTracker_ClearRoomDiscardsSessions(t *testing.T) {
	tracker, _ := newTestTracker(t, 5, 5)
	room := "!room:test"

	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m1", "ping", "@carol:test"), time.Now())
	if n := tracker.OpenSessions(room); n != 1 {
		t.Fatalf("OpenSessions = %d, want 1", n)
	}

	tracker.ClearRoom(room)
	if n := tracker.OpenSessions(room); n != 0 {
		t.Fatalf("OpenSessions after clear = %d, want 0", n)
	}
}

func TestTracker_HasOpenSession(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 5)
	room := "!room:test"

	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m1", "ping", "@carol:test"), time.Now())
	rec := soleRecord(t, store, room)

	if !tracker.HasOpenSession(room, rec.ID) {
		t.Error("HasOpenSession = false for an open session")
	}
	if tracker.HasOpenSession(room, "nope") {
		t.Error("HasOpenSession = true for an unknown record")
	}
	if tracker.HasOpenSession("!other:test", rec.ID) {
		t.Error("HasOpenSession = true in the wrong room")
	}
}

func TestTracker_RoomsDoNotInterfere(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 5)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tracker.handleMessageAt(context.Background(), "!a:test",
		mentionMessage("@alice:test", "m1", "ping", "@carol:test"), now)
	tracker.handleMessageAt(context.Background(), "!b:test", textMessage("@bob:test", "m2", "noise"), now.Add(time.Second))

	// The session in room a never saw room b's message.
	rec := soleRecord(t, store, "!a:test")
	if len(rec.Messages) != 1 {
		t.Fatalf("room a record has %d messages, want 1", len(rec.Messages))
	}
	if n := len(store.Records("!b:test")); n != 0 {
		t.Fatalf("room b records = %d, want 0", n)
	}
}

func TestTracker_ConcurrentRooms(t *testing.T) {
	tracker, store := newTestTracker(t, 5, 3)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		room := fmt.Sprintf("!room%d:test", r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.handleMessageAt(context.Background(), room,
				mentionMessage("@alice:test", "m1", "ping", "@carol:test"), now)
			for i := 0; i < 5; i++ {
				msgID := fmt.Sprintf("f%d", i)
				tracker.handleMessageAt(context.Background(), room,
					textMessage("@bob:test", msgID, msgID), now.Add(time.Duration(i+1)*time.Second))
			}
		}()
	}
	wg.Wait()

	for r := 0; r < 8; r++ {
		room := fmt.Sprintf("!room%d:test", r)
		rec := soleRecord(t, store, room)
		// Excerpt (1) plus the 3-message budget.
		if len(rec.Messages) != 4 {
			t.Errorf("%s: %d messages, want 4", room, len(rec.Messages))
		}
		if n := tracker.OpenSessions(room); n != 0 {
			t.Errorf("%s: OpenSessions = %d, want 0", room, n)
		}
	}
}

func TestTracker_RecordSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	store, err := record.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tracker := NewTracker(TrackerConfig{TrackingCount: 5}, NewCache(5), store, nil)
	room := "!room:test"
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	tracker.handleMessageAt(context.Background(), room,
		mentionMessage("@alice:test", "m1", "ping", "@carol:test"), now)
	want := soleRecord(t, store, room)

	reloaded, err := record.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := reloaded.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	got, ok := reloaded.Get(room, want.ID)
	if !ok {
		t.Fatalf("record %s not found after reload", want.ID)
	}
	if got.SenderID != want.SenderID || len(got.Messages) != len(want.Messages) {
		t.Errorf("reloaded record differs: sender %s, %d messages", got.SenderID, len(got.Messages))
	}
}
