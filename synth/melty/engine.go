// Package melty is an engine backend built on go-meltysynth.
//
// meltysynth renders one soundfont per synthesizer, so an Engine runs one
// voice per loaded soundfont and routes every MIDI channel to the voice of
// the newest soundfont defining the channel's (bank, program). The output is
// the sum of all voices.
package melty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/chenyanchen/synthorch"
)

// channelCount is the number of MIDI channels a meltysynth synthesizer has.
const channelCount = 16

// MIDI status nibbles and controllers used for channel routing.
const (
	statusControlChange = 0xB0
	statusProgramChange = 0xC0
	ccBankSelect        = 0x00
	ccAllNotesOff       = 0x7B
)

// voice is the part of *meltysynth.Synthesizer the engine drives.
type voice interface {
	ProcessMidiMessage(channel, command, data1, data2 int32)
	Render(left, right []float32)
}

type voiceFactory func(sf *meltysynth.SoundFont, settings *meltysynth.SynthesizerSettings) (voice, error)

func newMeltyVoice(sf *meltysynth.SoundFont, settings *meltysynth.SynthesizerSettings) (voice, error) {
	return meltysynth.NewSynthesizer(sf, settings)
}

// Backend creates meltysynth engines sharing one soundfont Loader.
type Backend struct {
	loader   *Loader
	newVoice voiceFactory
	logger   *slog.Logger
}

type Option func(*Backend)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithLoader shares a soundfont cache between backends.
func WithLoader(loader *Loader) Option {
	return func(b *Backend) {
		if loader != nil {
			b.loader = loader
		}
	}
}

func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		loader:   NewLoader(),
		newVoice: newMeltyVoice,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create implements synthorch.Backend.
func (b *Backend) Create(_ context.Context, s synthorch.Settings) (synthorch.Synth, error) {
	if s.MidiChannels > channelCount {
		return nil, fmt.Errorf("meltysynth supports %d midi channels, settings ask for %d", channelCount, s.MidiChannels)
	}
	settings := meltysynth.NewSynthesizerSettings(int32(s.SampleRate))
	settings.MaximumPolyphony = int32(s.Polyphony)
	settings.EnableReverbAndChorus = s.Reverb.Active || s.Chorus.Active

	e := &Engine{
		loader:   b.loader,
		newVoice: b.newVoice,
		settings: settings,
		logger:   b.logger,
		gain:     float32(s.Gain),
		params:   make(map[string]float64),
	}
	return e, nil
}

type loadedFont struct {
	id     synthorch.NativeID
	path   string
	offset int
	font   *font
	voice  voice
}

type route struct {
	bank    int
	program int
	target  *loadedFont
}

// Engine is one meltysynth-backed engine. It implements synthorch.Synth,
// synthorch.Renderer and synthorch.MidiSink. Render and SendMidi may be
// called from driver goroutines.
type Engine struct {
	loader   *Loader
	newVoice voiceFactory
	settings *meltysynth.SynthesizerSettings
	logger   *slog.Logger

	mu     sync.Mutex
	fonts  []*loadedFont // load order, newest last
	lastID synthorch.NativeID
	routes [channelCount]route
	gain   float32
	params map[string]float64
	bufL   []float32
	bufR   []float32
	closed bool
}

var errClosed = errors.New("engine closed")

// SampleRate returns the rate the engine renders at.
func (e *Engine) SampleRate() int {
	return int(e.settings.SampleRate)
}

func (e *Engine) LoadSoundfont(path string, bankOffset int) (synthorch.NativeID, error) {
	f, err := e.loader.load(path)
	if err != nil {
		return 0, err
	}
	v, err := e.newVoice(f.sf, e.settings)
	if err != nil {
		return 0, fmt.Errorf("create synthesizer: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errClosed
	}
	e.lastID++
	e.fonts = append(e.fonts, &loadedFont{id: e.lastID, path: path, offset: bankOffset, font: f, voice: v})
	e.logger.Debug("soundfont voice created", "id", e.lastID, "path", path, "presets", len(f.presets))
	return e.lastID, nil
}

func (e *Engine) UnloadSoundfont(id synthorch.NativeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("soundfont %d not loaded", id)
	}
	gone := e.fonts[idx]
	e.fonts = append(e.fonts[:idx], e.fonts[idx+1:]...)
	for ch := range e.routes {
		if e.routes[ch].target == gone {
			e.routes[ch].target = nil
		}
	}
	return nil
}

func (e *Engine) SetBankOffset(id synthorch.NativeID, bankOffset int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("soundfont %d not loaded", id)
	}
	e.fonts[idx].offset = bankOffset
	return nil
}

func (e *Engine) Presets(id synthorch.NativeID) ([]synthorch.PresetInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.indexLocked(id)
	if idx < 0 {
		return nil, fmt.Errorf("soundfont %d not loaded", id)
	}
	return append([]synthorch.PresetInfo(nil), e.fonts[idx].font.presets...), nil
}

// ChannelSelect routes channel to the newest soundfont defining (bank,
// program). Without a match the channel plays the newest soundfont's
// fallback preset.
func (e *Engine) ChannelSelect(channel, bank, program int) error {
	if channel < 0 || channel >= channelCount {
		return fmt.Errorf("channel %d out of range [0, %d)", channel, channelCount)
	}
	if program < 0 || program > 127 || bank < 0 {
		return fmt.Errorf("invalid bank %d program %d", bank, program)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}
	e.routes[channel].bank = bank
	e.routes[channel].program = program
	e.selectLocked(channel)
	return nil
}

func (e *Engine) selectLocked(channel int) {
	r := &e.routes[channel]
	target, fontBank := e.resolveLocked(r.bank, r.program)
	if prev := r.target; prev != nil && prev != target {
		prev.voice.ProcessMidiMessage(int32(channel), statusControlChange, ccAllNotesOff, 0)
	}
	r.target = target
	if target == nil {
		return
	}
	target.voice.ProcessMidiMessage(int32(channel), statusControlChange, ccBankSelect, int32(fontBank&0x7F))
	target.voice.ProcessMidiMessage(int32(channel), statusProgramChange, int32(r.program), 0)
}

// resolveLocked returns the voice serving (bank, program) and the bank
// number inside that soundfont.
func (e *Engine) resolveLocked(bank, program int) (*loadedFont, int) {
	for i := len(e.fonts) - 1; i >= 0; i-- {
		f := e.fonts[i]
		if _, ok := f.font.has(bank-f.offset, program); ok {
			return f, bank - f.offset
		}
	}
	if len(e.fonts) == 0 {
		return nil, bank
	}
	newest := e.fonts[len(e.fonts)-1]
	return newest, max(0, bank-newest.offset)
}

// SetParam implements the live parameters. Reverb and chorus values are
// kept for inspection; meltysynth fixes its effect units at creation.
func (e *Engine) SetParam(name string, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch name {
	case synthorch.ParamGain:
		if value < 0 {
			return fmt.Errorf("negative gain %g", value)
		}
		e.gain = float32(value)
	case synthorch.ParamReverbActive, synthorch.ParamReverbLevel, synthorch.ParamReverbWidth,
		synthorch.ParamReverbDamp, synthorch.ParamReverbRoomSize,
		synthorch.ParamChorusActive, synthorch.ParamChorusType, synthorch.ParamChorusStages,
		synthorch.ParamChorusLevel, synthorch.ParamChorusSpeed, synthorch.ParamChorusDepth:
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	e.params[name] = value
	return nil
}

// Param returns the last value set for a parameter.
func (e *Engine) Param(name string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.params[name]
	return v, ok
}

// SendMidi delivers one channel message to the voice the channel is routed
// to. Bank select and program change re-route the channel.
func (e *Engine) SendMidi(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	status := msg[0]
	if status < 0x80 || status >= 0xF0 {
		// Running status and system messages carry no channel.
		return nil
	}
	channel := int(status & 0x0F)
	command := int32(status & 0xF0)
	var d1, d2 int32
	if len(msg) > 1 {
		d1 = int32(msg[1])
	}
	if len(msg) > 2 {
		d2 = int32(msg[2])
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}
	r := &e.routes[channel]
	switch {
	case command == statusControlChange && d1 == ccBankSelect:
		r.bank = int(d2)
		return nil
	case command == statusProgramChange:
		r.program = int(d1)
		e.selectLocked(channel)
		return nil
	}
	if r.target == nil {
		r.target, _ = e.resolveLocked(r.bank, r.program)
	}
	if r.target != nil {
		r.target.voice.ProcessMidiMessage(int32(channel), command, d1, d2)
	}
	return nil
}

// Render implements synthorch.Renderer.
func (e *Engine) Render(left, right []float32) {
	clear(left)
	clear(right)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.fonts) == 0 {
		return
	}
	if cap(e.bufL) < len(left) {
		e.bufL = make([]float32, len(left))
		e.bufR = make([]float32, len(right))
	}
	bufL, bufR := e.bufL[:len(left)], e.bufR[:len(right)]
	for _, f := range e.fonts {
		f.voice.Render(bufL, bufR)
		for i := range left {
			left[i] += bufL[i] * e.gain
			right[i] += bufR[i] * e.gain
		}
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.fonts = nil
	for i := range e.routes {
		e.routes[i].target = nil
	}
	return nil
}

func (e *Engine) indexLocked(id synthorch.NativeID) int {
	for i, f := range e.fonts {
		if f.id == id {
			return i
		}
	}
	return -1
}
