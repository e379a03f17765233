// Package sweep implements retention-based garbage collection of mention
// records. A sweep deletes every record older than the retention horizon,
// together with its media files, and prunes room directories left empty.
// Sweeps run once at startup and once per daily schedule slot.
package sweep

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ymonai/atwatch/internal/atwatch/record"
)

// Defaults for the daily schedule slot (04:00 local time).
const (
	DefaultHour   = 4
	DefaultMinute = 0
)

// SessionChecker reports whether a record is still referenced by an open
// tracking session. Such records are skipped by the sweep regardless of age.
type SessionChecker interface {
	HasOpenSession(roomID, recordID string) bool
}

// Config holds sweeper configuration.
type Config struct {
	// Retention is the maximum record age. Records whose start time is
	// strictly older than now-Retention are deleted.
	Retention time.Duration

	// Hour and Minute define the daily schedule slot in local time.
	Hour   int
	Minute int

	// MediaCacheDir, when non-empty, is a shared media-cache directory that
	// is wiped and recreated on every sweep.
	MediaCacheDir string
}

// clock abstracts time.Now and time.After so tests can drive the daily
// schedule without wall-clock sleeps.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sweeper evicts expired records from the store.
type Sweeper struct {
	config   Config
	store    *record.Store
	sessions SessionChecker
	clk      clock
}

// New creates a Sweeper. sessions may be nil when no tracker is running
// (e.g. offline maintenance).
func New(cfg Config, store *record.Store, sessions SessionChecker) *Sweeper {
	return newWithClock(cfg, store, sessions, realClock{})
}

func newWithClock(cfg Config, store *record.Store, sessions SessionChecker, clk clock) *Sweeper {
	if cfg.Hour < 0 || cfg.Hour > 23 {
		cfg.Hour = DefaultHour
	}
	if cfg.Minute < 0 || cfg.Minute > 59 {
		cfg.Minute = DefaultMinute
	}
	return &Sweeper{config: cfg, store: store, sessions: sessions, clk: clk}
}

// Sweep deletes every stored record whose start time is strictly older than
// now minus the retention horizon. Records with a missing (zero) start time
// are conservatively kept with a warning. Records referenced by an open
// tracking session are skipped. Sweeping is idempotent.
func (s *Sweeper) Sweep(now time.Time) {
	cutoff := now.Add(-s.config.Retention)
	deleted := 0

	for _, roomID := range s.store.Rooms() {
		for _, rec := range s.store.Records(roomID) {
			if rec.StartTime.IsZero() {
				slog.Warn("sweep: record has unparseable start time, keeping",
					"room", roomID, "record", rec.ID)
				continue
			}
			if !rec.StartTime.Before(cutoff) {
				continue
			}
			if s.sessions != nil && s.sessions.HasOpenSession(roomID, rec.ID) {
				slog.Debug("sweep: record still referenced by open session, skipping",
					"room", roomID, "record", rec.ID)
				continue
			}
			if err := s.store.Delete(roomID, rec.ID); err != nil {
				slog.Warn("sweep: delete expired record", "room", roomID, "record", rec.ID, "err", err)
				continue
			}
			deleted++
		}
	}

	s.store.PruneEmptyRoomDirs()

	if s.config.MediaCacheDir != "" {
		if err := os.RemoveAll(s.config.MediaCacheDir); err != nil {
			slog.Warn("sweep: clear media cache", "dir", s.config.MediaCacheDir, "err", err)
		} else if err := os.MkdirAll(s.config.MediaCacheDir, 0o755); err != nil {
			slog.Warn("sweep: recreate media cache", "dir", s.config.MediaCacheDir, "err", err)
		}
	}

	slog.Info("sweep: completed", "deleted", deleted, "cutoff", cutoff.Format(record.TimeLayout))
}

// Run sweeps once immediately (startup recovery), then once per daily
// schedule slot until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(s.clk.Now())

	for {
		now := s.clk.Now()
		next := nextSlot(now, s.config.Hour, s.config.Minute)
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(next.Sub(now)):
			s.Sweep(s.clk.Now())
		}
	}
}

// nextSlot returns the next occurrence of hour:minute strictly after now.
func nextSlot(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
