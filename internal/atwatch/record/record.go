// Package record defines the mention-record data model and the file-backed
// store that keeps the in-memory index and the on-disk mirror in sync.
//
// A Record is the durable excerpt of a conversation anchored on one mention
// event: it is created the moment a mention is detected, grows while its
// tracking session is open, and is immutable afterwards until retention
// deletes it.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// EveryoneTarget is the sentinel subject ID for room-wide ("@room") mentions.
const EveryoneTarget = "@room"

// ContentKind discriminates the tagged content-item variants.
type ContentKind string

const (
	KindText    ContentKind = "text"
	KindImage   ContentKind = "image"
	KindMention ContentKind = "mention"
)

// ContentItem is one fragment of a message body: a text run, an image
// reference, or a mention of another participant. Exactly the fields for the
// item's Kind are populated.
type ContentItem struct {
	Kind ContentKind

	// Text fragment (KindText).
	Text string

	// Image reference (KindImage). URL is the platform reference (http(s) or
	// mxc); LocalPath is the resolved media filename inside the room
	// directory, empty while unresolved or when resolution failed.
	URL       string
	LocalPath string

	// Mention reference (KindMention). TargetID may be EveryoneTarget.
	TargetID   string
	TargetName string
}

// MentionTarget identifies one addressed participant.
type MentionTarget struct {
	ID   string
	Name string
}

// Message is a normalized chat message. Immutable once created; owned by
// whichever container (cache or record) holds it.
type Message struct {
	SenderID    string
	DisplayName string
	Time        time.Time
	Content     []ContentItem
	PlatformID  string
}

// Mentions returns the mention targets embedded in the message content, in
// order of appearance.
func (m *Message) Mentions() []MentionTarget {
	var targets []MentionTarget
	for _, item := range m.Content {
		if item.Kind == KindMention {
			targets = append(targets, MentionTarget{ID: item.TargetID, Name: item.TargetName})
		}
	}
	return targets
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() Message {
	cp := *m
	cp.Content = make([]ContentItem, len(m.Content))
	copy(cp.Content, m.Content)
	return cp
}

// Record is one tracked mention event and its captured conversation excerpt.
type Record struct {
	ID              string
	RoomID          string
	SenderID        string
	Targets         []MentionTarget
	StartTime       time.Time
	Messages        []Message
	AssociatedMedia []string // media filenames inside the room directory
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Targets = make([]MentionTarget, len(r.Targets))
	copy(cp.Targets, r.Targets)
	cp.Messages = make([]Message, len(r.Messages))
	for i := range r.Messages {
		cp.Messages[i] = r.Messages[i].Clone()
	}
	cp.AssociatedMedia = make([]string, len(r.AssociatedMedia))
	copy(cp.AssociatedMedia, r.AssociatedMedia)
	return &cp
}

// AddMedia appends filename to the associated-media set if not yet present.
func (r *Record) AddMedia(filename string) {
	for _, existing := range r.AssociatedMedia {
		if existing == filename {
			return
		}
	}
	r.AssociatedMedia = append(r.AssociatedMedia, filename)
}

// NewID derives a record identifier from the room, the detection time, and
// the triggering message's platform ID. The second-resolution timestamp keeps
// IDs sortable; the hash suffix keeps same-second bursts from colliding.
func NewID(roomID string, now time.Time, platformMsgID string) string {
	sum := sha256.Sum256([]byte(roomID + "|" + platformMsgID))
	return fmt.Sprintf("%s_%s", now.Format("20060102150405"), hex.EncodeToString(sum[:])[:8])
}
