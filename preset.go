package synthorch

import (
	"errors"
	"fmt"
)

// DefaultPresetName is the reserved preset holding the channel table as it
// was when the engine was created.
const DefaultPresetName = "(default)"

// drumChannel is the General MIDI percussion channel; it starts on the
// percussion bank.
const (
	drumChannel = 9
	drumBank    = 128
)

// ChannelAssignment is the (bank, program) selected on one MIDI channel.
type ChannelAssignment struct {
	Bank    int `json:"bank" yaml:"bank"`
	Program int `json:"program" yaml:"program"`
}

// ChannelPreset describes one channel with its resolution against the
// soundfont stack. Soundfont, Name and Resolved are derived on query.
type ChannelPreset struct {
	Channel   int
	Bank      int
	Program   int
	Soundfont SoundfontID
	Name      string
	Resolved  bool
}

// ChannelFailure is one channel that could not be applied by LoadPreset.
type ChannelFailure struct {
	Channel int
	Err     error
}

func (f ChannelFailure) Error() string {
	return fmt.Sprintf("channel %d: %v", f.Channel, f.Err)
}

func (f ChannelFailure) Unwrap() error { return f.Err }

// ChannelPresetTable holds the per-channel program assignments of one engine
// and its named snapshots.
type ChannelPresetTable struct {
	channels []ChannelAssignment
	named    map[string][]ChannelAssignment
	order    []string // user preset names in save order

	resolver PresetResolver
	sink     ChannelSelector
}

// NewChannelPresetTable creates a table for the given channel count. The
// initial assignments are captured as the "(default)" preset.
func NewChannelPresetTable(channels int, resolver PresetResolver) *ChannelPresetTable {
	t := &ChannelPresetTable{
		channels: defaultAssignments(channels),
		named:    make(map[string][]ChannelAssignment),
		resolver: resolver,
	}
	t.named[DefaultPresetName] = t.snapshot()
	return t
}

func defaultAssignments(n int) []ChannelAssignment {
	out := make([]ChannelAssignment, n)
	if n > drumChannel {
		out[drumChannel].Bank = drumBank
	}
	return out
}

// Set selects (bank, program) on a channel. While attached to an engine the
// selection is forwarded first and the table is only updated on success.
func (t *ChannelPresetTable) Set(channel, bank, program int) error {
	if channel < 0 || channel >= len(t.channels) {
		return ChannelOutOfRangeError{Channel: channel, Channels: len(t.channels)}
	}
	if t.sink != nil {
		if err := t.sink.ChannelSelect(channel, bank, program); err != nil {
			return fmt.Errorf("select bank %d program %d on channel %d: %w", bank, program, channel, err)
		}
	}
	t.channels[channel] = ChannelAssignment{Bank: bank, Program: program}
	return nil
}

// Channel describes one channel.
func (t *ChannelPresetTable) Channel(channel int) (ChannelPreset, error) {
	if channel < 0 || channel >= len(t.channels) {
		return ChannelPreset{}, ChannelOutOfRangeError{Channel: channel, Channels: len(t.channels)}
	}
	return t.describe(channel), nil
}

// Channels describes every channel in channel order.
func (t *ChannelPresetTable) Channels() []ChannelPreset {
	out := make([]ChannelPreset, len(t.channels))
	for i := range t.channels {
		out[i] = t.describe(i)
	}
	return out
}

func (t *ChannelPresetTable) Len() int {
	return len(t.channels)
}

// SavePreset snapshots every channel under name, replacing an existing
// preset of that name.
func (t *ChannelPresetTable) SavePreset(name string) error {
	if name == DefaultPresetName {
		return ReservedPresetNameError{Name: name}
	}
	if name == "" {
		return errors.New("save channel preset: name is empty")
	}
	if _, exists := t.named[name]; !exists {
		t.order = append(t.order, name)
	}
	t.named[name] = t.snapshot()
	return nil
}

// DeletePreset removes a named preset. "(default)" cannot be deleted.
func (t *ChannelPresetTable) DeletePreset(name string) error {
	if name == DefaultPresetName {
		return ReservedPresetNameError{Name: name}
	}
	if _, ok := t.named[name]; !ok {
		return PresetNotFoundError{Name: name}
	}
	delete(t.named, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// LoadPreset applies a named preset channel by channel. A channel that fails
// does not stop the others; the failures are returned. While attached, a
// program no soundfont defines is reported but stays selected, leaving the
// engine on its fallback preset.
func (t *ChannelPresetTable) LoadPreset(name string) ([]ChannelFailure, error) {
	snap, ok := t.named[name]
	if !ok {
		return nil, PresetNotFoundError{Name: name}
	}
	var failures []ChannelFailure
	for ch, a := range snap {
		if err := t.Set(ch, a.Bank, a.Program); err != nil {
			failures = append(failures, ChannelFailure{Channel: ch, Err: err})
			continue
		}
		if t.sink != nil && t.resolver != nil {
			if _, ok := t.resolver.Lookup(a.Bank, a.Program); !ok {
				failures = append(failures, ChannelFailure{
					Channel: ch,
					Err:     ProgramNotFoundError{Channel: ch, Bank: a.Bank, Program: a.Program},
				})
			}
		}
	}
	return failures, nil
}

// Presets lists the preset names, "(default)" first.
func (t *ChannelPresetTable) Presets() []string {
	out := make([]string, 0, len(t.order)+1)
	out = append(out, DefaultPresetName)
	return append(out, t.order...)
}

// Snapshot returns a copy of a named preset.
func (t *ChannelPresetTable) Snapshot(name string) ([]ChannelAssignment, bool) {
	snap, ok := t.named[name]
	if !ok {
		return nil, false
	}
	return append([]ChannelAssignment(nil), snap...), true
}

// ImportPreset stores a persisted snapshot under name. Unlike SavePreset it
// accepts "(default)", which restores the engine's recorded creation state.
func (t *ChannelPresetTable) ImportPreset(name string, channels []ChannelAssignment) error {
	if name == "" {
		return errors.New("import channel preset: name is empty")
	}
	if _, exists := t.named[name]; !exists && name != DefaultPresetName {
		t.order = append(t.order, name)
	}
	t.named[name] = append([]ChannelAssignment(nil), channels...)
	return nil
}

// attach forwards every channel to sink and keeps forwarding later changes.
func (t *ChannelPresetTable) attach(sink ChannelSelector) error {
	t.sink = sink
	return t.resync()
}

func (t *ChannelPresetTable) detach() {
	t.sink = nil
}

// resync re-sends every channel selection, e.g. after the soundfont stack
// changed under a running engine.
func (t *ChannelPresetTable) resync() error {
	if t.sink == nil {
		return nil
	}
	var errs []error
	for ch, a := range t.channels {
		if err := t.sink.ChannelSelect(ch, a.Bank, a.Program); err != nil {
			errs = append(errs, ChannelFailure{Channel: ch, Err: err})
		}
	}
	return errors.Join(errs...)
}

// resize changes the channel count, keeping existing assignments.
func (t *ChannelPresetTable) resize(channels int) {
	if channels == len(t.channels) {
		return
	}
	next := defaultAssignments(channels)
	copy(next, t.channels)
	t.channels = next
}

func (t *ChannelPresetTable) snapshot() []ChannelAssignment {
	return append([]ChannelAssignment(nil), t.channels...)
}

func (t *ChannelPresetTable) describe(ch int) ChannelPreset {
	a := t.channels[ch]
	p := ChannelPreset{Channel: ch, Bank: a.Bank, Program: a.Program}
	if t.resolver == nil {
		return p
	}
	if r, ok := t.resolver.Lookup(a.Bank, a.Program); ok {
		p.Soundfont = r.Soundfont
		p.Name = r.Name
		p.Resolved = true
	}
	return p
}
