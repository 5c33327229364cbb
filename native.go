package synthorch

import "context"

// Backend creates native synthesizer engines.
type Backend interface {
	Create(ctx context.Context, settings Settings) (Synth, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, settings Settings) (Synth, error)

func (f BackendFunc) Create(ctx context.Context, settings Settings) (Synth, error) {
	return f(ctx, settings)
}

// PresetInfo is one entry of a soundfont's preset table, with the bank
// number as stored in the file (before any bank offset).
type PresetInfo struct {
	Bank    int
	Program int
	Name    string
}

// SoundfontEngine is the soundfont part of the native engine.
//
// The engine searches its soundfonts newest first: the most recently loaded
// soundfont has the highest priority.
type SoundfontEngine interface {
	LoadSoundfont(path string, bankOffset int) (NativeID, error)
	UnloadSoundfont(id NativeID) error
	SetBankOffset(id NativeID, bankOffset int) error
	Presets(id NativeID) ([]PresetInfo, error)
}

// ChannelSelector receives per-channel bank select and program change.
type ChannelSelector interface {
	ChannelSelect(channel, bank, program int) error
}

// Synth is one native synthesizer engine handle.
type Synth interface {
	SoundfontEngine
	ChannelSelector
	SetParam(name string, value float64) error
	Close() error
}

// Renderer is implemented by engines that audio drivers can pull samples from.
// Render fills both slices, which have equal length, with one block of audio.
type Renderer interface {
	Render(left, right []float32)
}

// MidiSink consumes raw MIDI channel messages.
type MidiSink interface {
	SendMidi(msg []byte) error
}

// Router is the MIDI router handle created by "router" definitions.
type Router interface {
	MidiSink
	SetDump(on bool)
}

// VerboseSetter is implemented by MIDI drivers that can log incoming events.
type VerboseSetter interface {
	SetVerbose(on bool)
}
