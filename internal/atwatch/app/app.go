// Package app wires the atwatch subsystems together: the Matrix binding, the
// rolling cache and tracker, the record store, the retention sweeper, and the
// query engine, plus the small chat-command surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ymonai/atwatch/common/trace"
	"github.com/ymonai/atwatch/internal/atwatch/config"
	"github.com/ymonai/atwatch/internal/atwatch/matrix"
	"github.com/ymonai/atwatch/internal/atwatch/media"
	"github.com/ymonai/atwatch/internal/atwatch/observability"
	"github.com/ymonai/atwatch/internal/atwatch/query"
	"github.com/ymonai/atwatch/internal/atwatch/record"
	"github.com/ymonai/atwatch/internal/atwatch/store"
	"github.com/ymonai/atwatch/internal/atwatch/sweep"
	"github.com/ymonai/atwatch/internal/atwatch/track"
)

const commandPrefix = "!at"

// roomQueueDepth bounds each room's inbound backlog before the sync loop
// starts applying backpressure.
const roomQueueDepth = 256

// App is the assembled atwatch application.
type App struct {
	config config.Config

	db      *store.Store
	records *record.Store
	tracker *track.Tracker
	sweeper *sweep.Sweeper
	queries *query.Engine
	client  *matrix.Client

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	queues  map[string]chan matrix.Inbound
	wg      sync.WaitGroup
	stopped sync.Once
}

// New assembles the application from configuration. Nothing connects to the
// homeserver until Run.
func New(cfg config.Config) (*App, error) {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	records, err := record.NewStore(cfg.DataDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := records.LoadAll(); err != nil {
		db.Close()
		return nil, err
	}

	client, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		Rooms:       cfg.Matrix.Rooms,
		DB:          db.DB(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cache := track.NewCache(cfg.CacheSize)
	tracker := track.NewTracker(track.TrackerConfig{
		TrackingCount: cfg.TrackingCount,
		BotUserID:     cfg.Matrix.UserID,
	}, cache, records, newMediaResolver(cfg, client))

	sweeper := sweep.New(sweep.Config{
		Retention:     cfg.Retention(),
		Hour:          cfg.SweepHour,
		Minute:        cfg.SweepMinute,
		MediaCacheDir: mediaCacheDir(cfg),
	}, records, tracker)

	return &App{
		config:  cfg,
		db:      db,
		records: records,
		tracker: tracker,
		sweeper: sweeper,
		queries: query.New(records, cfg.Retention()),
		client:  client,
		queues:  make(map[string]chan matrix.Inbound),
	}, nil
}

// newMediaResolver builds the resolver for message media. Resolution is
// always on; enable_media_cache only controls the shared cross-room cache
// that deduplicates repeat downloads between sweeps.
func newMediaResolver(cfg config.Config, mxc media.MXCDownloader) *media.Resolver {
	return media.New(media.Config{MXC: mxc, CacheDir: mediaCacheDir(cfg)})
}

// mediaCacheDir returns the shared cache directory wiped on every sweep, or
// "" when the shared cache is disabled.
func mediaCacheDir(cfg config.Config) string {
	if !cfg.EnableMediaCache {
		return ""
	}
	return filepath.Join(cfg.DataDir, ".media-cache")
}

// Run connects to the homeserver and serves until SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel

	if err := a.client.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("start matrix client: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sweeper.Run(ctx)
	}()

	slog.Info("atwatch running",
		"homeserver", a.config.Matrix.Homeserver,
		"user", a.config.Matrix.UserID,
		"data_dir", a.config.DataDir,
		"retention_days", a.config.RetentionDays)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-ctx.Done():
	}
	return nil
}

// Stop shuts the app down. Safe to call more than once.
func (a *App) Stop() {
	a.stopped.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.client.Stop()
		a.wg.Wait()
		if err := a.db.Close(); err != nil {
			slog.Warn("close database", "err", err)
		}
	})
}

// handleMessage enqueues the message on its room's queue. The sync loop
// delivers events on a single goroutine; dispatching per room keeps a slow
// media fetch in one room from stalling the advance and trigger phases of
// every other room. Ordering within a room is preserved.
func (a *App) handleMessage(_ context.Context, in matrix.Inbound) {
	select {
	case a.roomQueue(in.RoomID) <- in:
	case <-a.ctx.Done():
	}
}

// roomQueue returns the room's inbound channel, starting its worker on
// first use.
func (a *App) roomQueue(roomID string) chan<- matrix.Inbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[roomID]
	if !ok {
		q = make(chan matrix.Inbound, roomQueueDepth)
		a.queues[roomID] = q
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-a.ctx.Done():
					return
				case in := <-q:
					a.process(a.ctx, in)
				}
			}
		}()
	}
	return q
}

// process is the per-message entry point: commands are answered directly,
// everything else feeds the tracking pipeline.
func (a *App) process(ctx context.Context, in matrix.Inbound) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx)

	if cmd, args, ok := parseCommand(in.Body); ok {
		log.Info("command received", "room", in.RoomID, "sender", in.Sender, "command", cmd)
		a.handleCommand(ctx, in, cmd, args)
		return
	}

	a.tracker.HandleMessage(ctx, in.RoomID, in.Message)
}

// parseCommand splits "!at who @alice:example.com" into ("who", [@alice...]).
func parseCommand(body string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(body))
	if len(fields) < 2 || fields[0] != commandPrefix {
		return "", nil, false
	}
	return fields[1], fields[2:], true
}

func (a *App) handleCommand(ctx context.Context, in matrix.Inbound, cmd string, args []string) {
	switch cmd {
	case "who":
		a.cmdWho(ctx, in, args)
	case "clear":
		a.cmdClear(ctx, in)
	default:
		a.reply(ctx, in, fmt.Sprintf("unknown command %q — try \"%s who\" or \"%s clear\"", cmd, commandPrefix, commandPrefix))
	}
}

// cmdWho answers "who mentioned me" (or the named subject) for the room the
// command was sent in.
func (a *App) cmdWho(ctx context.Context, in matrix.Inbound, args []string) {
	subject := in.Sender
	if len(args) > 0 {
		subject = args[0]
	}

	results := a.queries.WhoMentioned(in.RoomID, subject, time.Now())
	if len(results) == 0 {
		a.reply(ctx, in, fmt.Sprintf("no recent mentions of %s in the last %d days", subject, a.config.RetentionDays))
		return
	}
	a.reply(ctx, in, renderRecords(results))
}

// cmdClear wipes every record for the room. Destructive, so it is limited to
// the configured admins when an allowlist is set.
func (a *App) cmdClear(ctx context.Context, in matrix.Inbound) {
	if !a.isAdmin(in.Sender) {
		a.reply(ctx, in, "clear is restricted to configured admins")
		return
	}

	// Sessions first: an open session advancing after the wipe would
	// resurrect a deleted record file.
	a.tracker.ClearRoom(in.RoomID)
	if err := a.records.Clear(in.RoomID); err != nil {
		observability.WithTrace(ctx).Error("clear room records", "room", in.RoomID, "err", err)
		a.reply(ctx, in, "failed to clear mention records, see logs")
		return
	}
	observability.WithTrace(ctx).Info("room records cleared", "room", in.RoomID, "by", in.Sender)
	a.reply(ctx, in, "mention records for this room cleared")
}

func (a *App) isAdmin(sender string) bool {
	if len(a.config.Matrix.Admins) == 0 {
		return true
	}
	for _, admin := range a.config.Matrix.Admins {
		if admin == sender {
			return true
		}
	}
	return false
}

func (a *App) reply(ctx context.Context, in matrix.Inbound, text string) {
	if err := a.client.ReplyToMessage(ctx, in.RoomID, in.EventID, text); err != nil {
		observability.WithTrace(ctx).Error("send reply", "room", in.RoomID, "err", err)
	}
}

// renderRecords formats query results as a plain-text transcript, newest
// record first.
func renderRecords(records []*record.Record) string {
	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s — %s mentioned %s:\n",
			rec.StartTime.Format("2006-01-02 15:04"),
			senderName(rec),
			targetNames(rec.Targets))
		for _, msg := range rec.Messages {
			fmt.Fprintf(&b, "  [%s] %s: %s\n",
				msg.Time.Format("15:04"),
				displayOrID(msg.DisplayName, msg.SenderID),
				renderContent(msg.Content))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func senderName(rec *record.Record) string {
	for _, msg := range rec.Messages {
		if msg.SenderID == rec.SenderID && msg.DisplayName != "" {
			return msg.DisplayName
		}
	}
	return rec.SenderID
}

func targetNames(targets []record.MentionTarget) string {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.ID == record.EveryoneTarget {
			names = append(names, "everyone")
			continue
		}
		names = append(names, displayOrID(t.Name, t.ID))
	}
	return strings.Join(names, ", ")
}

func displayOrID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func renderContent(items []record.ContentItem) string {
	var parts []string
	for _, item := range items {
		switch item.Kind {
		case record.KindText:
			parts = append(parts, item.Text)
		case record.KindImage:
			if item.LocalPath != "" {
				parts = append(parts, fmt.Sprintf("[image: %s]", item.LocalPath))
			} else {
				parts = append(parts, "[image]")
			}
		case record.KindMention:
			parts = append(parts, "@"+displayOrID(item.TargetName, item.TargetID))
		}
	}
	return strings.Join(parts, " ")
}
