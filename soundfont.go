package synthorch

import (
	"errors"
	"fmt"
	"os"
	"sort"
)

// SoundfontEntry is a snapshot of one soundfont on the stack.
type SoundfontEntry struct {
	ID         SoundfontID `json:"id"`
	Path       string      `json:"path"`
	BankOffset int         `json:"bankOffset"`
	Position   int         `json:"position"`
}

// ResolvedPreset names the soundfont answering a (bank, program) request.
type ResolvedPreset struct {
	Soundfont SoundfontID
	Name      string
}

// PresetResolver answers which soundfont serves a (bank, program) pair.
type PresetResolver interface {
	Lookup(bank, program int) (ResolvedPreset, bool)
}

type presetKey struct {
	bank    int
	program int
}

type stackEntry struct {
	id      SoundfontID
	path    string
	offset  int
	native  NativeID
	presets map[presetKey]string
}

// SoundfontStack is the ordered list of soundfonts of one engine instance.
// Position 0 has the highest priority.
//
// While attached to an engine every change is forwarded to it, and a native
// failure leaves both the stack and the engine as they were before the call.
// While detached the stack only records entries; they are loaded when the
// engine starts.
type SoundfontStack struct {
	entries []*stackEntry // index is the stack position
	lastID  SoundfontID
	engine  SoundfontEngine

	// check validates a soundfont path while no engine is attached.
	check func(path string) error
}

func NewSoundfontStack() *SoundfontStack {
	return &SoundfontStack{check: checkSoundfontFile}
}

// Load puts a soundfont on top of the stack.
//
// When path is already on the stack and force is false, nothing is loaded
// and a SoundfontDuplicateError is returned; force loads an independent
// second entry for the same file.
func (s *SoundfontStack) Load(path string, bankOffset int, force bool) (SoundfontID, error) {
	if bankOffset < 0 {
		return 0, fmt.Errorf("load soundfont %q: negative bank offset %d", path, bankOffset)
	}
	if !force {
		for _, e := range s.entries {
			if e.path == path {
				return 0, SoundfontDuplicateError{Path: path, Existing: e.id}
			}
		}
	}

	entry := &stackEntry{
		id:     s.lastID + 1,
		path:   path,
		offset: bankOffset,
	}
	if s.engine != nil {
		if err := s.loadNative(entry); err != nil {
			return 0, SoundfontInvalidError{Path: path, Err: err}
		}
	} else if err := s.check(path); err != nil {
		return 0, SoundfontInvalidError{Path: path, Err: err}
	}

	s.lastID = entry.id
	s.entries = append([]*stackEntry{entry}, s.entries...)
	return entry.id, nil
}

// Unload removes a soundfont; positions below it move up by one.
func (s *SoundfontStack) Unload(id SoundfontID) error {
	idx := s.index(id)
	if idx < 0 {
		return SoundfontNotLoadedError{ID: id}
	}
	e := s.entries[idx]
	if s.engine != nil {
		if err := s.engine.UnloadSoundfont(e.native); err != nil {
			return fmt.Errorf("unload soundfont #%d %q: %w", id, e.path, err)
		}
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	return nil
}

// SetBankOffset changes the bank offset of exactly one entry.
func (s *SoundfontStack) SetBankOffset(id SoundfontID, bankOffset int) error {
	idx := s.index(id)
	if idx < 0 {
		return SoundfontNotLoadedError{ID: id}
	}
	if bankOffset < 0 {
		return fmt.Errorf("set bank offset of soundfont #%d: negative offset %d", id, bankOffset)
	}
	e := s.entries[idx]
	if e.offset == bankOffset {
		return nil
	}
	if s.engine != nil {
		if err := s.engine.SetBankOffset(e.native, bankOffset); err != nil {
			return fmt.Errorf("set bank offset of soundfont #%d: %w", id, err)
		}
	}
	e.offset = bankOffset
	return nil
}

// Reorder moves a soundfont to position; entries in between shift by one.
// position is clamped into the stack's range.
//
// The engine orders soundfonts by load time, so moving an entry reloads
// every entry above the lower of its old and new positions.
func (s *SoundfontStack) Reorder(id SoundfontID, position int) error {
	idx := s.index(id)
	if idx < 0 {
		return SoundfontNotLoadedError{ID: id}
	}
	position = max(0, min(position, len(s.entries)-1))
	if position == idx {
		return nil
	}

	next := make([]*stackEntry, 0, len(s.entries))
	for i, e := range s.entries {
		if i != idx {
			next = append(next, e)
		}
	}
	moved := s.entries[idx]
	next = append(next[:position], append([]*stackEntry{moved}, next[position:]...)...)

	if s.engine == nil {
		s.entries = next
		return nil
	}

	depth := max(idx, position) + 1
	if err := s.reloadPrefix(s.entries[:depth], next[:depth]); err != nil {
		return fmt.Errorf("reorder soundfont #%d: %w", id, err)
	}
	s.entries = next
	return nil
}

// Resolve returns the soundfont at the lowest position whose preset table
// holds (bank - its bank offset, program).
func (s *SoundfontStack) Resolve(bank, program int) (SoundfontID, bool) {
	r, ok := s.Lookup(bank, program)
	return r.Soundfont, ok
}

// Lookup is Resolve with the preset name.
func (s *SoundfontStack) Lookup(bank, program int) (ResolvedPreset, bool) {
	for _, e := range s.entries {
		name, ok := e.presets[presetKey{bank: bank - e.offset, program: program}]
		if ok {
			return ResolvedPreset{Soundfont: e.id, Name: name}, true
		}
	}
	return ResolvedPreset{}, false
}

// Entries returns the stack in priority order.
func (s *SoundfontStack) Entries() []SoundfontEntry {
	out := make([]SoundfontEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = SoundfontEntry{
			ID:         e.id,
			Path:       e.path,
			BankOffset: e.offset,
			Position:   i,
		}
	}
	return out
}

// Entry returns one entry by id.
func (s *SoundfontStack) Entry(id SoundfontID) (SoundfontEntry, bool) {
	idx := s.index(id)
	if idx < 0 {
		return SoundfontEntry{}, false
	}
	e := s.entries[idx]
	return SoundfontEntry{ID: e.id, Path: e.path, BankOffset: e.offset, Position: idx}, true
}

// Presets returns the preset table of one entry, bank numbers as in the file.
func (s *SoundfontStack) Presets(id SoundfontID) ([]PresetInfo, error) {
	idx := s.index(id)
	if idx < 0 {
		return nil, SoundfontNotLoadedError{ID: id}
	}
	e := s.entries[idx]
	out := make([]PresetInfo, 0, len(e.presets))
	for k, name := range e.presets {
		out = append(out, PresetInfo{Bank: k.bank, Program: k.program, Name: name})
	}
	sortPresets(out)
	return out, nil
}

func (s *SoundfontStack) Len() int {
	return len(s.entries)
}

// Attached reports whether changes are forwarded to an engine.
func (s *SoundfontStack) Attached() bool {
	return s.engine != nil
}

// attach loads every entry into engine so that the engine's priority order
// matches the stack. Entries failing to load are dropped from the stack and
// reported.
func (s *SoundfontStack) attach(engine SoundfontEngine) error {
	s.engine = engine
	var errs []error
	kept := make([]*stackEntry, len(s.entries))
	copy(kept, s.entries)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if err := s.loadNative(e); err != nil {
			errs = append(errs, SoundfontInvalidError{Path: e.path, Err: err})
			kept = append(kept[:i], kept[i+1:]...)
		}
	}
	s.entries = kept
	return errors.Join(errs...)
}

// detach unloads every entry, highest position first, and stops forwarding.
// Entries and their preset tables are kept for the next attach.
func (s *SoundfontStack) detach() error {
	if s.engine == nil {
		return nil
	}
	var errs []error
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if err := s.engine.UnloadSoundfont(e.native); err != nil {
			errs = append(errs, fmt.Errorf("unload soundfont #%d %q: %w", e.id, e.path, err))
		}
		e.native = 0
	}
	s.engine = nil
	return errors.Join(errs...)
}

// loadNative loads e into the attached engine and refreshes its preset table.
func (s *SoundfontStack) loadNative(e *stackEntry) error {
	native, err := s.engine.LoadSoundfont(e.path, e.offset)
	if err != nil {
		return err
	}
	infos, err := s.engine.Presets(native)
	if err != nil {
		if uerr := s.engine.UnloadSoundfont(native); uerr != nil {
			// Still loaded natively: keep the entry, without presets.
			e.native = native
			e.presets = nil
			return nil
		}
		return fmt.Errorf("read preset table: %w", err)
	}
	e.native = native
	e.presets = make(map[presetKey]string, len(infos))
	for _, p := range infos {
		e.presets[presetKey{bank: p.Bank, program: p.Program}] = p.Name
	}
	return nil
}

// reloadPrefix replaces the top of the engine's soundfont list, currently
// holding old (position order), with next. On failure the old order is
// restored; entries that cannot be restored are dropped from the stack.
func (s *SoundfontStack) reloadPrefix(old, next []*stackEntry) error {
	for i, e := range old {
		if err := s.engine.UnloadSoundfont(e.native); err != nil {
			lost := s.restorePrefix(old[:i], nil, i)
			return errors.Join(fmt.Errorf("unload %q: %w", e.path, err), lostError(lost))
		}
	}

	for j := len(next) - 1; j >= 0; j-- {
		e := next[j]
		native, err := s.engine.LoadSoundfont(e.path, e.offset)
		if err == nil {
			e.native = native
			continue
		}
		errs := []error{fmt.Errorf("load %q: %w", e.path, err)}
		var stuck []*stackEntry
		for k := j + 1; k < len(next); k++ {
			if uerr := s.engine.UnloadSoundfont(next[k].native); uerr != nil {
				errs = append(errs, fmt.Errorf("roll back %q: %w", next[k].path, uerr))
				stuck = append(stuck, next[k])
			}
		}
		lost := s.restorePrefix(old, stuck, len(old))
		return errors.Join(append(errs, lostError(lost))...)
	}
	return nil
}

// restorePrefix reloads old bottom-up, except the stuck entries the engine
// still holds, and rewrites the first depth stack entries to the engine's
// resulting order: the reloaded entries first, then the stuck ones. Entries
// that fail to reload are left out and returned.
func (s *SoundfontStack) restorePrefix(old, stuck []*stackEntry, depth int) []*stackEntry {
	held := make(map[SoundfontID]bool, len(stuck))
	for _, e := range stuck {
		held[e.id] = true
	}
	var reload []*stackEntry
	for _, e := range old {
		if !held[e.id] {
			reload = append(reload, e)
		}
	}
	lost := s.loadBottomUp(reload)
	gone := make(map[SoundfontID]bool, len(lost))
	for _, e := range lost {
		gone[e.id] = true
	}

	prefix := make([]*stackEntry, 0, len(s.entries))
	for _, e := range reload {
		if !gone[e.id] {
			prefix = append(prefix, e)
		}
	}
	prefix = append(prefix, stuck...)
	s.entries = append(prefix, s.entries[depth:]...)
	return lost
}

// loadBottomUp loads entries from the last to the first and returns those
// that failed.
func (s *SoundfontStack) loadBottomUp(entries []*stackEntry) []*stackEntry {
	var lost []*stackEntry
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		native, err := s.engine.LoadSoundfont(e.path, e.offset)
		if err != nil {
			lost = append(lost, e)
			continue
		}
		e.native = native
	}
	return lost
}

func (s *SoundfontStack) index(id SoundfontID) int {
	for i, e := range s.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

func lostError(lost []*stackEntry) error {
	if len(lost) == 0 {
		return nil
	}
	errs := make([]error, len(lost))
	for i, e := range lost {
		errs[i] = fmt.Errorf("soundfont #%d %q could not be restored and was removed", e.id, e.path)
	}
	return errors.Join(errs...)
}

func checkSoundfontFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	return nil
}

func sortPresets(p []PresetInfo) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Bank != p[j].Bank {
			return p[i].Bank < p[j].Bank
		}
		return p[i].Program < p[j].Program
	})
}
