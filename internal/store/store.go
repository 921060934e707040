// Package store indexes the on-disk artifact cache: fully-downloaded audio
// files and cover images named <source>_<songId>_<quality><ext>. The index is
// built once at startup from a directory scan and updated by the materializer
// after each atomic rename, so a lookup never has to touch the disk.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Key identifies one logical artifact.
type Key struct {
	Source  string
	SongID  string
	Quality string
}

// Record is one materialized audio file.
type Record struct {
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

const coverTag = "cover"

// Store is the in-memory artifact index. Reads dominate; a single RWMutex
// guards both maps.
type Store struct {
	dir string
	log zerolog.Logger

	mu     sync.RWMutex
	audio  map[string]map[string]Record // songKey -> quality -> record
	covers map[string]string            // songKey -> cover path
}

func songKey(source, songID string) string {
	return source + "_" + songID
}

// Filename encodes a key into its cache file name.
func Filename(k Key, ext string) string {
	return k.Source + "_" + k.SongID + "_" + k.Quality + ext
}

// CoverFilename encodes the cover name for a song.
func CoverFilename(source, songID, ext string) string {
	return source + "_" + songID + "_" + coverTag + ext
}

// Open scans dir (creating it if needed) and builds the index.
// Dotfiles and names with fewer than three _-segments are skipped.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:    dir,
		log:    log.With().Str("component", "store").Logger(),
		audio:  map[string]map[string]Record{},
		covers: map[string]string{},
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		k, isCover, ok := parseName(name)
		if !ok {
			continue
		}
		path := filepath.Join(dir, name)
		if isCover {
			s.covers[songKey(k.Source, k.SongID)] = path
			continue
		}
		rec := Record{Path: path}
		if info, err := ent.Info(); err == nil {
			rec.SizeBytes = info.Size()
			rec.CreatedAt = info.ModTime()
		}
		s.putLocked(k, rec)
	}
	s.log.Info().Int("audio", len(s.audio)).Int("covers", len(s.covers)).Str("dir", dir).Msg("artifact index built")
	return s, nil
}

// parseName splits an artifact file name into its key. The first _-segment is
// the source, the last (minus extension) the quality, and whatever sits in
// between (possibly several segments) is the song ID.
func parseName(name string) (k Key, isCover bool, ok bool) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return Key{}, false, false
	}
	k.Source = parts[0]
	k.Quality = parts[len(parts)-1]
	k.SongID = strings.Join(parts[1:len(parts)-1], "_")
	if k.Source == "" || k.SongID == "" || k.Quality == "" {
		return Key{}, false, false
	}
	return k, k.Quality == coverTag, true
}

func (s *Store) putLocked(k Key, rec Record) {
	sk := songKey(k.Source, k.SongID)
	m, ok := s.audio[sk]
	if !ok {
		m = map[string]Record{}
		s.audio[sk] = m
	}
	m[k.Quality] = rec
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Lookup returns the artifact for the key. When the exact quality is absent
// but another quality of the same song exists, the lexicographically first
// other quality is served instead; the returned quality tells the caller
// what it actually got.
func (s *Store) Lookup(k Key) (Record, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.audio[songKey(k.Source, k.SongID)]
	if !ok || len(m) == 0 {
		return Record{}, "", false
	}
	if rec, ok := m[k.Quality]; ok {
		return rec, k.Quality, true
	}
	qualities := make([]string, 0, len(m))
	for q := range m {
		qualities = append(qualities, q)
	}
	sort.Strings(qualities)
	q := qualities[0]
	return m[q], q, true
}

// Put records a freshly materialized file. Called only after the final
// rename, so the index never points at a partial file.
func (s *Store) Put(k Key, path string) {
	rec := Record{Path: path, CreatedAt: time.Now()}
	if info, err := os.Stat(path); err == nil {
		rec.SizeBytes = info.Size()
		rec.CreatedAt = info.ModTime()
	}
	s.mu.Lock()
	s.putLocked(k, rec)
	s.mu.Unlock()
}

// CoverPath returns the on-disk cover for a song, if materialized.
func (s *Store) CoverPath(source, songID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.covers[songKey(source, songID)]
	return p, ok
}

// PutCover records a materialized cover image.
func (s *Store) PutCover(source, songID, path string) {
	s.mu.Lock()
	s.covers[songKey(source, songID)] = path
	s.mu.Unlock()
}

// AudioFiles lists every audio path for a song across all qualities.
func (s *Store) AudioFiles(source, songID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.audio[songKey(source, songID)]
	out := make([]string, 0, len(m))
	for _, rec := range m {
		out = append(out, rec.Path)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a bare cache basename to its full path, rejecting anything
// that would escape the cache dir. Returns "" when the file is absent.
func (s *Store) Resolve(basename string) string {
	if basename == "" || basename != filepath.Base(basename) {
		return ""
	}
	path := filepath.Join(s.dir, basename)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
