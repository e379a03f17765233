package record

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const recordFilePrefix = "at_record_"

// Store is the durable mention-record store: one directory per room, one JSON
// file per record. The in-memory index is the authoritative working copy; the
// file is a write-through mirror updated on every Put.
//
// Store is safe for concurrent use. The tracker's write path and the
// sweeper's delete path both go through the store mutex, so a sweep can never
// interleave with a half-written record file.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	records map[string]map[string]*Record // roomID -> recordID -> record
}

// NewStore creates a Store rooted at dataDir, creating the directory when
// absent. Call LoadAll before serving queries.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("record: create data dir %s: %w", dataDir, err)
	}
	return &Store{
		dataDir: dataDir,
		records: make(map[string]map[string]*Record),
	}, nil
}

// RoomDir returns the on-disk directory for a room. Room IDs contain
// characters that are unsafe in paths (Matrix IDs start with '!'), so the
// directory name is the path-escaped room ID.
func (s *Store) RoomDir(roomID string) string {
	return filepath.Join(s.dataDir, url.PathEscape(roomID))
}

// LoadAll scans every room directory and rebuilds the in-memory index.
// Malformed record files are skipped with a warning; they never abort the
// load.
func (s *Store) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]map[string]*Record)

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("record: read data dir %s: %w", s.dataDir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		roomID, err := url.PathUnescape(entry.Name())
		if err != nil {
			slog.Warn("record: skipping directory with undecodable name", "dir", entry.Name(), "err", err)
			continue
		}
		roomDir := filepath.Join(s.dataDir, entry.Name())
		files, err := os.ReadDir(roomDir)
		if err != nil {
			slog.Warn("record: skipping unreadable room directory", "room", roomID, "err", err)
			continue
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasPrefix(name, recordFilePrefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(roomDir, name))
			if err != nil {
				slog.Warn("record: skipping unreadable record file", "room", roomID, "file", name, "err", err)
				continue
			}
			rec, err := Unmarshal(data)
			if err != nil {
				slog.Warn("record: skipping malformed record file", "room", roomID, "file", name, "err", err)
				continue
			}
			if s.records[roomID] == nil {
				s.records[roomID] = make(map[string]*Record)
			}
			s.records[roomID][rec.ID] = rec
			loaded++
		}
	}

	slog.Info("record: store loaded", "records", loaded, "rooms", len(s.records))
	return nil
}

// Put inserts or overwrites the record in the index and writes it through to
// disk. The file write is atomic from a reader's perspective: the content is
// written to a temp file in the room directory and renamed over the target.
func (s *Store) Put(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Marshal(rec)
	if err != nil {
		return err
	}

	roomDir := s.RoomDir(rec.RoomID)
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return fmt.Errorf("record: create room dir for %s: %w", rec.RoomID, err)
	}

	path := filepath.Join(roomDir, recordFileName(rec.ID))
	tmp, err := os.CreateTemp(roomDir, recordFilePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("record: create temp file for %s: %w", rec.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("record: write %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("record: close temp file for %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("record: rename temp file for %s: %w", rec.ID, err)
	}

	if s.records[rec.RoomID] == nil {
		s.records[rec.RoomID] = make(map[string]*Record)
	}
	s.records[rec.RoomID][rec.ID] = rec
	return nil
}

// Get returns the working copy of a record. The caller may mutate it while
// its tracking session is open, but must Put afterwards so disk stays in
// sync.
func (s *Store) Get(roomID, id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[roomID][id]
	return rec, ok
}

// Records returns deep copies of all records for a room, in unspecified
// order.
func (s *Store) Records(roomID string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records[roomID]))
	for _, rec := range s.records[roomID] {
		out = append(out, rec.Clone())
	}
	return out
}

// Rooms returns the IDs of all rooms that currently hold records.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for roomID := range s.records {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// Delete removes a record from the index and from disk, along with every
// file in its associated-media set. Individual file removal failures are
// logged and do not abort the deletion.
func (s *Store) Delete(roomID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[roomID][id]
	if !ok {
		return nil
	}

	// Media filenames are content-derived, so records in the same room can
	// share a file. Only remove files no surviving record still lists.
	stillUsed := make(map[string]struct{})
	for otherID, other := range s.records[roomID] {
		if otherID == id {
			continue
		}
		for _, media := range other.AssociatedMedia {
			stillUsed[media] = struct{}{}
		}
	}

	roomDir := s.RoomDir(roomID)
	for _, media := range rec.AssociatedMedia {
		if _, used := stillUsed[media]; used {
			continue
		}
		path := filepath.Join(roomDir, media)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("record: delete media file", "room", roomID, "file", media, "err", err)
		}
	}
	path := filepath.Join(roomDir, recordFileName(id))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("record: delete record file", "room", roomID, "id", id, "err", err)
	}

	delete(s.records[roomID], id)
	if len(s.records[roomID]) == 0 {
		delete(s.records, roomID)
	}
	return nil
}

// Clear removes every record and media file for a room, leaving an empty,
// structurally valid room directory behind.
func (s *Store) Clear(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomDir := s.RoomDir(roomID)
	if err := os.RemoveAll(roomDir); err != nil {
		return fmt.Errorf("record: clear room %s: %w", roomID, err)
	}
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return fmt.Errorf("record: recreate room dir %s: %w", roomID, err)
	}
	delete(s.records, roomID)
	return nil
}

// PruneEmptyRoomDirs removes room directories with zero entries. Called by
// the sweeper after retention deletions.
func (s *Store) PruneEmptyRoomDirs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		slog.Warn("record: prune: read data dir", "err", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.dataDir, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil || len(files) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			slog.Warn("record: prune empty room dir", "dir", entry.Name(), "err", err)
		} else {
			slog.Debug("record: pruned empty room dir", "dir", entry.Name())
		}
	}
}

func recordFileName(id string) string {
	return recordFilePrefix + id + ".json"
}
