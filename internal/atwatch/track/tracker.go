package track

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ymonai/atwatch/internal/atwatch/record"
)

// DefaultTrackingCount is the number of messages captured after a mention
// when the configuration does not override it.
const DefaultTrackingCount = 10

// MediaResolver downloads a media reference into destDir and returns the
// local filename. Implementations must be safe for concurrent use across
// rooms. A nil resolver disables media resolution; items keep their
// unresolved placeholder state.
type MediaResolver interface {
	Resolve(ctx context.Context, destDir, url string) (string, error)
}

// TrackerConfig holds configuration for the Tracker.
type TrackerConfig struct {
	// TrackingCount is the remaining-message budget given to a new session.
	// Default: 10.
	TrackingCount int

	// BotUserID is the platform identity of the bot itself. Mentions sent by
	// this identity never open a session.
	BotUserID string
}

// session is the ephemeral in-memory state following one open mention. It is
// never persisted; its recordID must resolve to a stored record or the
// session is discarded as a dangling-session anomaly.
type session struct {
	recordID  string
	senderID  string
	targetIDs map[string]struct{}
	remaining int
}

// roomState serializes message handling for one room. The advance and
// trigger phases of two messages in the same room never interleave; distinct
// rooms proceed in parallel.
type roomState struct {
	mu       sync.Mutex
	sessions []*session
}

// Tracker is the state machine correlating live incoming messages to open
// mention-tracking sessions. It feeds the rolling cache, advances and expires
// sessions, and opens new sessions when a fresh mention arrives.
type Tracker struct {
	config TrackerConfig
	cache  *Cache
	store  *record.Store
	media  MediaResolver

	mu    sync.Mutex
	rooms map[string]*roomState
}

// NewTracker creates a Tracker. media may be nil to disable media resolution.
func NewTracker(cfg TrackerConfig, cache *Cache, store *record.Store, media MediaResolver) *Tracker {
	if cfg.TrackingCount <= 0 {
		cfg.TrackingCount = DefaultTrackingCount
	}
	return &Tracker{
		config: cfg,
		cache:  cache,
		store:  store,
		media:  media,
		rooms:  make(map[string]*roomState),
	}
}

// HandleMessage processes one incoming room message: cache feed, advance
// phase, trigger phase, and (when needed) new-session creation, in that fixed
// order.
func (t *Tracker) HandleMessage(ctx context.Context, roomID string, msg record.Message) {
	t.handleMessageAt(ctx, roomID, msg, time.Now())
}

// handleMessageAt is the time-injectable core of HandleMessage (for testing).
func (t *Tracker) handleMessageAt(ctx context.Context, roomID string, msg record.Message, now time.Time) {
	rs := t.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// Phase 1: the cache always sees the message, session or not.
	t.cache.Observe(roomID, msg)

	// Media is resolved at most once per incoming message, then shared by
	// every record that captures it.
	var resolved *record.Message
	var mediaNames []string
	ensureResolved := func() {
		if resolved != nil {
			return
		}
		cp := msg.Clone()
		mediaNames = t.resolveMedia(ctx, roomID, &cp)
		resolved = &cp
	}

	// Phase 2: advance every open session.
	keep := rs.sessions[:0]
	for _, s := range rs.sessions {
		rec, ok := t.store.Get(roomID, s.recordID)
		if !ok {
			slog.Warn("track: session references missing record, dropping session",
				"room", roomID, "record", s.recordID)
			continue
		}

		ensureResolved()
		rec.Messages = append(rec.Messages, resolved.Clone())
		for _, name := range mediaNames {
			rec.AddMedia(name)
		}
		if err := t.store.Put(rec); err != nil {
			// Transient I/O failure: the next message retries naturally.
			slog.Error("track: persist advanced record", "room", roomID, "record", rec.ID, "err", err)
		}

		s.remaining--
		if s.remaining > 0 {
			keep = append(keep, s)
		} else {
			slog.Info("track: session finished", "room", roomID, "record", s.recordID)
		}
	}
	rs.sessions = keep

	// Phase 3: does this message trigger a new session?
	targets := msg.Mentions()
	if len(targets) == 0 || msg.SenderID == t.config.BotUserID {
		return
	}
	targetIDs := make(map[string]struct{}, len(targets))
	addressesOther := false
	for _, tgt := range targets {
		targetIDs[tgt.ID] = struct{}{}
		if tgt.ID != msg.SenderID {
			addressesOther = true
		}
	}
	if !addressesOther {
		return
	}

	// A duplicate mention by the same sender at the same targets rides the
	// existing session instead of spawning a second one.
	for _, s := range rs.sessions {
		if s.senderID == msg.SenderID && sameTargetSet(s.targetIDs, targetIDs) {
			return
		}
	}

	// Phase 4: reconstruct context and open a new session. The cache already
	// contains the current message (phase 1), so the snapshot ends with it.
	window := slices.Collect(t.cache.Snapshot(roomID))
	start := 0
	for i := len(window) - 2; i >= 0; i-- {
		if window[i].SenderID == msg.SenderID {
			start = max(i-1, 0)
			break
		}
	}
	excerpt := window[start:]

	ensureResolved()
	rec := &record.Record{
		ID:        record.NewID(roomID, now, msg.PlatformID),
		RoomID:    roomID,
		SenderID:  msg.SenderID,
		Targets:   targets,
		StartTime: now,
	}
	for i := range excerpt {
		var cp record.Message
		if i == len(excerpt)-1 {
			// The current message was already resolved above.
			cp = resolved.Clone()
		} else {
			cp = excerpt[i].Clone()
			for _, name := range t.resolveMedia(ctx, roomID, &cp) {
				rec.AddMedia(name)
			}
		}
		rec.Messages = append(rec.Messages, cp)
	}
	for _, name := range mediaNames {
		rec.AddMedia(name)
	}

	// Persist before anything else can observe the session.
	if err := t.store.Put(rec); err != nil {
		slog.Error("track: persist new record, session not opened", "room", roomID, "record", rec.ID, "err", err)
		return
	}

	rs.sessions = append(rs.sessions, &session{
		recordID:  rec.ID,
		senderID:  msg.SenderID,
		targetIDs: targetIDs,
		remaining: t.config.TrackingCount,
	})
	slog.Info("track: new mention session opened",
		"room", roomID, "record", rec.ID, "sender", msg.SenderID,
		"targets", len(targets), "budget", t.config.TrackingCount)
}

// HasOpenSession reports whether any open session in the room references the
// given record. Used by the retention sweeper to avoid deleting records that
// are still being written to.
func (t *Tracker) HasOpenSession(roomID, recordID string) bool {
	rs := t.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, s := range rs.sessions {
		if s.recordID == recordID {
			return true
		}
	}
	return false
}

// ClearRoom discards every open session in a room. Called before a manual
// record wipe so in-flight sessions cannot write to deleted files.
func (t *Tracker) ClearRoom(roomID string) {
	rs := t.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if n := len(rs.sessions); n > 0 {
		slog.Info("track: discarding open sessions", "room", roomID, "sessions", n)
	}
	rs.sessions = nil
}

// OpenSessions returns the number of open sessions in a room.
func (t *Tracker) OpenSessions(roomID string) int {
	rs := t.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.sessions)
}

// resolveMedia downloads every unresolved image reference in msg into the
// room directory, fills in the local paths, and returns the filenames added.
// Failures degrade to the unresolved placeholder state and are never fatal.
func (t *Tracker) resolveMedia(ctx context.Context, roomID string, msg *record.Message) []string {
	if t.media == nil {
		return nil
	}
	destDir := t.store.RoomDir(roomID)
	var names []string
	for i := range msg.Content {
		item := &msg.Content[i]
		if item.Kind != record.KindImage || item.URL == "" || item.LocalPath != "" {
			continue
		}
		name, err := t.media.Resolve(ctx, destDir, item.URL)
		if err != nil {
			slog.Warn("track: media resolution failed, keeping placeholder",
				"room", roomID, "url", item.URL, "err", err)
			continue
		}
		item.LocalPath = name
		names = append(names, name)
	}
	return names
}

func (t *Tracker) room(roomID string) *roomState {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		rs = &roomState{}
		t.rooms[roomID] = rs
	}
	return rs
}

func sameTargetSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
