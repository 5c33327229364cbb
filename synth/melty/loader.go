package melty

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sinshu/go-meltysynth/meltysynth"
	"golang.org/x/sync/singleflight"

	"github.com/chenyanchen/synthorch"
)

// font is one parsed soundfont file.
type font struct {
	sf      *meltysynth.SoundFont
	presets []synthorch.PresetInfo
}

func (f *font) has(bank, program int) (string, bool) {
	for _, p := range f.presets {
		if p.Bank == bank && p.Program == program {
			return p.Name, true
		}
	}
	return "", false
}

type fileKey struct {
	size    int64
	modTime time.Time
}

type cachedFont struct {
	key  fileKey
	font *font
}

// Loader parses soundfont files and caches them by path. A file is parsed
// again when its size or modification time changed. Concurrent loads of one
// path share a single parse.
type Loader struct {
	parse func(path string) (*font, error)

	mu    sync.RWMutex
	cache map[string]cachedFont

	sf singleflight.Group
}

func NewLoader() *Loader {
	return &Loader{
		parse: parseFile,
		cache: make(map[string]cachedFont),
	}
}

func (l *Loader) load(path string) (*font, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat soundfont: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("stat soundfont: %s is not a regular file", path)
	}
	key := fileKey{size: info.Size(), modTime: info.ModTime()}

	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && cached.key == key {
		return cached.font, nil
	}

	v, err, _ := l.sf.Do(path, func() (any, error) {
		l.mu.RLock()
		cachedAgain, ok := l.cache[path]
		l.mu.RUnlock()
		if ok && cachedAgain.key == key {
			return cachedAgain.font, nil
		}

		f, err := l.parse(path)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[path] = cachedFont{key: key, font: f}
		l.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*font), nil
}

// Forget drops a path from the cache.
func (l *Loader) Forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

func parseFile(path string) (*font, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open soundfont: %w", err)
	}
	defer f.Close()

	sf, err := meltysynth.NewSoundFont(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("parse soundfont: %w", err)
	}
	out := &font{sf: sf, presets: make([]synthorch.PresetInfo, 0, len(sf.Presets))}
	for _, p := range sf.Presets {
		out.presets = append(out.presets, synthorch.PresetInfo{
			Bank:    int(p.BankNumber),
			Program: int(p.PatchNumber),
			Name:    p.Name,
		})
	}
	return out, nil
}
