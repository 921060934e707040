// Package library serves a directory of user-owned audio files. A scan
// builds a normalized-filename index with lyric and cover sidecars; tag
// probing results are kept in a sqlite cache keyed by (path, size, mtime) so
// unchanged files are not reopened on the next scan. Lookups never fail
// hard: a name that cannot be matched simply reports absent.
package library

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"
)

var audioExts = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
}

var coverExts = []string{".jpg", ".jpeg", ".png", ".webp"}

const (
	maxDecodePasses     = 3
	similarityThreshold = 0.8
	rescanDebounce      = 500 * time.Millisecond
)

// Record is one indexed audio file.
type Record struct {
	Path      string
	Name      string // normalized file name, the index key
	LyricPath string // .lrc sidecar, empty when absent
	CoverPath string // image sidecar, empty when absent
	Size      int64
	ModTime   time.Time

	tagLyric bool // lyrics embedded in the container tags
	tagCover bool
}

// Summary reports which resources exist for a name.
type Summary struct {
	File  bool `json:"file"`
	Cover bool `json:"cover"`
	Lyric bool `json:"lyric"`
}

// Library is the scanned index over one audio directory.
type Library struct {
	dir string
	db  *sql.DB
	log zerolog.Logger

	mu     sync.RWMutex
	byName map[string]*Record
	lower  map[string]*Record

	caseFold bool
}

// Open scans dir and builds the index. cachePath is the sqlite scan cache;
// "" keeps the cache in memory for the process lifetime only.
func Open(dir, cachePath string, log zerolog.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if cachePath == "" {
		cachePath = ":memory:"
	}
	db, err := sql.Open("sqlite", cachePath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS scan_cache (
		path      TEXT PRIMARY KEY,
		size      INTEGER NOT NULL,
		mtime     INTEGER NOT NULL,
		tag_lyric INTEGER NOT NULL,
		tag_cover INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	l := &Library{
		dir: dir,
		db:  db,
		log: log.With().Str("component", "library").Logger(),
		// Windows paths are already case-insensitive; everywhere else keep
		// a lowercase alias because clients recase names in transit
		caseFold: runtime.GOOS != "windows",
	}
	if err := l.Rescan(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Library) Close() error { return l.db.Close() }

// Dir returns the audio directory.
func (l *Library) Dir() string { return l.dir }

// Normalize canonicalizes a client-supplied name the way the index keys
// were built: basename, separator cleanup, bounded URL-decode, NFC,
// whitespace collapse, trailing space and dot trim.
func Normalize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	for i := 0; i < maxDecodePasses; i++ {
		dec, err := url.PathUnescape(name)
		if err != nil || dec == name {
			break
		}
		name = dec
	}
	name = norm.NFC.String(name)
	name = strings.Join(strings.Fields(name), " ")
	return strings.TrimRight(name, " .")
}

// Rescan rebuilds the index from a directory listing. Tag probing is
// skipped for files whose size and mtime match the scan cache.
func (l *Library) Rescan() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	byName := map[string]*Record{}
	lower := map[string]*Record{}
	seen := map[string]bool{}

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, ".") || !audioExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(l.dir, name)
		rec := &Record{
			Path:    path,
			Name:    Normalize(name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		rec.LyricPath, rec.CoverPath = l.sidecars(path)
		rec.tagLyric, rec.tagCover = l.probeTags(path, info)
		seen[path] = true

		byName[rec.Name] = rec
		if l.caseFold {
			lower[strings.ToLower(rec.Name)] = rec
		}
	}

	l.pruneCache(seen)

	l.mu.Lock()
	l.byName = byName
	l.lower = lower
	l.mu.Unlock()
	l.log.Info().Int("files", len(byName)).Str("dir", l.dir).Msg("library scanned")
	return nil
}

// sidecars finds the .lrc and cover image next to an audio file.
func (l *Library) sidecars(audioPath string) (lyric, cover string) {
	stem := strings.TrimSuffix(audioPath, filepath.Ext(audioPath))
	if _, err := os.Stat(stem + ".lrc"); err == nil {
		lyric = stem + ".lrc"
	}
	for _, ext := range coverExts {
		if _, err := os.Stat(stem + ext); err == nil {
			cover = stem + ext
			break
		}
	}
	return lyric, cover
}

// probeTags reports whether the container itself carries lyrics or a cover,
// consulting the scan cache first.
func (l *Library) probeTags(path string, info os.FileInfo) (lyric, cover bool) {
	var size, mtime int64
	var tl, tc int
	err := l.db.QueryRow(
		`SELECT size, mtime, tag_lyric, tag_cover FROM scan_cache WHERE path = ?`, path,
	).Scan(&size, &mtime, &tl, &tc)
	if err == nil && size == info.Size() && mtime == info.ModTime().Unix() {
		return tl != 0, tc != 0
	}

	lyric, cover = readTagPresence(path)
	if _, err := l.db.Exec(
		`INSERT OR REPLACE INTO scan_cache (path, size, mtime, tag_lyric, tag_cover) VALUES (?, ?, ?, ?, ?)`,
		path, info.Size(), info.ModTime().Unix(), boolInt(lyric), boolInt(cover),
	); err != nil {
		l.log.Warn().Str("path", path).Err(err).Msg("scan cache write failed")
	}
	return lyric, cover
}

func (l *Library) pruneCache(seen map[string]bool) {
	rows, err := l.db.Query(`SELECT path FROM scan_cache`)
	if err != nil {
		return
	}
	var stale []string
	for rows.Next() {
		var p string
		if rows.Scan(&p) == nil && !seen[p] {
			stale = append(stale, p)
		}
	}
	rows.Close()
	for _, p := range stale {
		l.db.Exec(`DELETE FROM scan_cache WHERE path = ?`, p)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// lookup resolves a client-supplied name to a record: exact normalized,
// lowercase alias, then one similarity pass over the index.
func (l *Library) lookup(name string) (*Record, bool) {
	if name == "" {
		return nil, false
	}
	n := Normalize(name)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.byName[n]; ok {
		return rec, true
	}
	if l.caseFold {
		if rec, ok := l.lower[strings.ToLower(n)]; ok {
			return rec, true
		}
	}
	return l.fuzzyLocked(n)
}

// fuzzyLocked is the last-resort match: same stem, containment, or bigram
// similarity above the threshold. Candidates are ranked so the result is
// stable across scans.
func (l *Library) fuzzyLocked(n string) (*Record, bool) {
	stem := strings.ToLower(strings.TrimSuffix(n, filepath.Ext(n)))
	if stem == "" {
		return nil, false
	}
	var best *Record
	bestScore := 0.0
	names := make([]string, 0, len(l.byName))
	for key := range l.byName {
		names = append(names, key)
	}
	sort.Strings(names)
	for _, key := range names {
		keyStem := strings.ToLower(strings.TrimSuffix(key, filepath.Ext(key)))
		score := 0.0
		switch {
		case keyStem == stem:
			score = 1.0
		case strings.Contains(keyStem, stem) || strings.Contains(stem, keyStem):
			score = similarityThreshold
		default:
			score = similarity(keyStem, stem)
		}
		if score > bestScore {
			bestScore = score
			best = l.byName[key]
		}
	}
	if bestScore >= similarityThreshold {
		return best, true
	}
	return nil, false
}

// similarity is the Dice coefficient over character bigrams.
func similarity(a, b string) float64 {
	ag, bg := bigrams(a), bigrams(b)
	if len(ag) == 0 || len(bg) == 0 {
		return 0
	}
	total, overlap := 0, 0
	for g, n := range ag {
		total += n
		if m := bg[g]; m > 0 {
			if n < m {
				overlap += n
			} else {
				overlap += m
			}
		}
	}
	for _, n := range bg {
		total += n
	}
	return 2 * float64(overlap) / float64(total)
}

func bigrams(s string) map[string]int {
	r := []rune(s)
	out := map[string]int{}
	for i := 0; i+1 < len(r); i++ {
		out[string(r[i:i+2])]++
	}
	return out
}

// HasMusic reports whether a name resolves to an indexed audio file.
func (l *Library) HasMusic(name string) bool {
	rec, ok := l.lookup(name)
	if !ok {
		return false
	}
	_, err := os.Stat(rec.Path)
	return err == nil
}

// Check reports which resources exist for a name. An unresolvable name
// reports everything absent.
func (l *Library) Check(name string) Summary {
	rec, ok := l.lookup(name)
	if !ok {
		return Summary{}
	}
	var s Summary
	if _, err := os.Stat(rec.Path); err == nil {
		s.File = true
	}
	s.Lyric = rec.LyricPath != "" || rec.tagLyric
	s.Cover = rec.CoverPath != "" || rec.tagCover
	return s
}

// Audio returns the on-disk path for streaming.
func (l *Library) Audio(name string) (string, bool) {
	rec, ok := l.lookup(name)
	if !ok {
		return "", false
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return "", false
	}
	return rec.Path, true
}

// Lyric returns lyric text: the .lrc sidecar when present, otherwise
// whatever the container tags carry.
func (l *Library) Lyric(name string) ([]byte, bool) {
	rec, ok := l.lookup(name)
	if !ok {
		return nil, false
	}
	if rec.LyricPath != "" {
		if b, err := os.ReadFile(rec.LyricPath); err == nil {
			return b, true
		}
	}
	if rec.tagLyric {
		if text, ok := readTagLyric(rec.Path); ok {
			return []byte(text), true
		}
	}
	return nil, false
}

// Cover returns cover image bytes: sidecar first, then embedded picture.
func (l *Library) Cover(name string) ([]byte, bool) {
	rec, ok := l.lookup(name)
	if !ok {
		return nil, false
	}
	if rec.CoverPath != "" {
		if b, err := os.ReadFile(rec.CoverPath); err == nil {
			return b, true
		}
	}
	if rec.tagCover {
		if b, ok := readTagCover(rec.Path); ok {
			return b, true
		}
	}
	return nil, false
}

// Watch rescans after filesystem changes in the library directory until ctx
// is done. Bursts of events collapse into one rescan.
func (l *Library) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(l.dir); err != nil {
		return err
	}

	var d debounce
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.bump(rescanDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.Warn().Err(err).Msg("watcher error")
		case <-d.C:
			d.fired()
			if err := l.Rescan(); err != nil {
				l.log.Error().Err(err).Msg("rescan failed")
			}
		}
	}
}

// debounce collapses a burst of bumps into one tick on C. The zero value is
// ready to use; C is nil until the first bump.
type debounce struct {
	t *time.Timer
	C <-chan time.Time
}

func (d *debounce) bump(wait time.Duration) {
	if d.t == nil {
		d.t = time.NewTimer(wait)
		d.C = d.t.C
		return
	}
	// The timer may have expired with its tick unread; drain it so Reset
	// does not leave a stale tick that would fire a second time early.
	if !d.t.Stop() {
		select {
		case <-d.t.C:
		default:
		}
	}
	d.t.Reset(wait)
}

func (d *debounce) fired() {
	d.t = nil
	d.C = nil
}
