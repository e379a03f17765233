// Package matrix binds atwatch to a Matrix homeserver: it syncs room message
// events, normalizes them into the internal message model, and sends the
// bot's replies.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms is an optional allowlist of room IDs to watch. When empty, every
	// room the bot is joined to is watched.
	Rooms []string

	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and room history replays on every restart.
	DB *sql.DB
}

// MessageHandler processes one normalized inbound room message.
type MessageHandler func(ctx context.Context, in Inbound)

// Client wraps the mautrix client.
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler
	names      *nameCache
}

// New creates a Matrix client. It does not connect until Start is called.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
		names:  newNameCache(),
	}

	// A persistent sync store lets the bot resume from the last known sync
	// position after a restart instead of replaying the full room history.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("matrix: using persistent SQLite sync store")
	} else {
		slog.Warn("matrix: no DB configured, sync position is in-memory (history will replay on restart)")
	}

	return c, nil
}

// Start joins the configured rooms and begins syncing with the homeserver.
// Message events are normalized and delivered to handler.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleEvent)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("join room %s: %w", roomID, err)
		}
	}

	// Sync in the background with exponential back-off reconnection. Without
	// retries a transient homeserver error would silently kill the sync
	// goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("matrix: sync stopped, reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returns nil only on a clean StopSync.
			return
		}
	}()

	return nil
}

// Stop stops the sync loop.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the bot's own Matrix user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// DownloadBytes fetches the content behind an mxc:// URI. It satisfies the
// media resolver's downloader interface.
func (c *Client) DownloadBytes(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	return c.client.DownloadBytes(ctx, uri)
}

// SendNotice sends an m.notice to a room. Notices do not trigger other bots.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

// ReplyToMessage sends a plain-text reply to a specific event in a room.
func (c *Client) ReplyToMessage(ctx context.Context, roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(eventID),
			},
		},
	}
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// handleEvent filters raw message events and forwards the normalized form to
// the registered handler.
func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	// The bot's own sends echo back through /sync; they are responses, not
	// conversation, and must not enter the tracking pipeline.
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	switch content.MsgType {
	case event.MsgText, event.MsgImage:
	default:
		return
	}

	if !c.watchesRoom(evt.RoomID.String()) {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, c.normalize(ctx, evt, content))
	}
}

func (c *Client) watchesRoom(roomID string) bool {
	if len(c.config.Rooms) == 0 {
		return true
	}
	for _, watched := range c.config.Rooms {
		if watched == roomID {
			return true
		}
	}
	return false
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN is what homeservers return when the bot is already a
		// member of the room.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
