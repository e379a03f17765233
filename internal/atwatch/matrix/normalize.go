package matrix

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ymonai/atwatch/internal/atwatch/record"
)

// maxTextFragment caps stored text fragments so one pathological message
// cannot bloat every open record in the room. The raw body is untouched.
const maxTextFragment = 200

// Inbound is one normalized room message delivered to the message handler.
// Body carries the raw text for command detection; Message is the tracked
// form.
type Inbound struct {
	RoomID  string
	EventID string
	Sender  string
	Body    string
	Message record.Message
}

// normalize converts a Matrix message event into the internal message model:
// the text body, any image reference, and the intentional mentions declared
// in m.mentions.
func (c *Client) normalize(ctx context.Context, evt *event.Event, content *event.MessageEventContent) Inbound {
	msg := record.Message{
		SenderID:    evt.Sender.String(),
		DisplayName: c.displayName(ctx, evt.Sender),
		Time:        time.UnixMilli(evt.Timestamp),
		PlatformID:  evt.ID.String(),
	}

	switch content.MsgType {
	case event.MsgImage:
		// For m.image the body is just the upload filename; the mxc URI is
		// the part worth keeping.
		msg.Content = append(msg.Content, record.ContentItem{
			Kind: record.KindImage,
			URL:  string(content.URL),
		})
	default:
		if body := strings.TrimSpace(content.Body); body != "" {
			msg.Content = append(msg.Content, record.ContentItem{
				Kind: record.KindText,
				Text: truncateRunes(body, maxTextFragment),
			})
		}
	}

	// Only intentional mentions (m.mentions, MSC3952) count. Matching user
	// IDs or display names inside the body would misfire on quotes and
	// forwarded text.
	if content.Mentions != nil {
		if content.Mentions.Room {
			msg.Content = append(msg.Content, record.ContentItem{
				Kind:       record.KindMention,
				TargetID:   record.EveryoneTarget,
				TargetName: "room",
			})
		}
		for _, uid := range content.Mentions.UserIDs {
			msg.Content = append(msg.Content, record.ContentItem{
				Kind:       record.KindMention,
				TargetID:   uid.String(),
				TargetName: c.displayName(ctx, uid),
			})
		}
	}

	return Inbound{
		RoomID:  evt.RoomID.String(),
		EventID: evt.ID.String(),
		Sender:  evt.Sender.String(),
		Body:    content.Body,
		Message: msg,
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// displayName resolves a user's profile display name, falling back to the
// localpart of the user ID when the profile lookup fails or is empty.
func (c *Client) displayName(ctx context.Context, userID id.UserID) string {
	if name, ok := c.names.get(userID); ok {
		return name
	}

	name := userID.Localpart()
	profile, err := c.client.GetProfile(ctx, userID)
	if err != nil {
		slog.Debug("matrix: profile lookup failed, using localpart", "user", userID, "err", err)
	} else if profile.DisplayName != "" {
		name = profile.DisplayName
	}

	c.names.put(userID, name)
	return name
}

// nameCache memoizes display-name lookups. Entries expire so renames
// eventually show up without a restart.
type nameCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[id.UserID]nameEntry
}

type nameEntry struct {
	name    string
	fetched time.Time
}

func newNameCache() *nameCache {
	return &nameCache{
		ttl:     time.Hour,
		entries: make(map[id.UserID]nameEntry),
	}
}

func (n *nameCache) get(userID id.UserID) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[userID]
	if !ok || time.Since(e.fetched) > n.ttl {
		return "", false
	}
	return e.name, true
}

func (n *nameCache) put(userID id.UserID, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries[userID] = nameEntry{name: name, fetched: time.Now()}
}
