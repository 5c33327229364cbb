package melty

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sinshu/go-meltysynth/meltysynth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenyanchen/synthorch"
)

type midiMsg struct {
	channel, command, data1, data2 int32
}

type fakeVoice struct {
	path  string
	level float32

	mu   sync.Mutex
	msgs []midiMsg
}

func (v *fakeVoice) ProcessMidiMessage(channel, command, data1, data2 int32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msgs = append(v.msgs, midiMsg{channel, command, data1, data2})
}

func (v *fakeVoice) Render(left, right []float32) {
	for i := range left {
		left[i] = v.level
		right[i] = -v.level
	}
}

func (v *fakeVoice) take() []midiMsg {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.msgs
	v.msgs = nil
	return out
}

type fixture struct {
	dir    string
	engine *Engine
	voices map[string]*fakeVoice
	levels map[string]float32
}

// newFixture writes one placeholder file per soundfont and parses each into
// the given preset table.
func newFixture(t *testing.T, fonts map[string][]synthorch.PresetInfo) *fixture {
	t.Helper()
	f := &fixture{
		dir:    t.TempDir(),
		voices: make(map[string]*fakeVoice),
		levels: make(map[string]float32),
	}
	for name := range fonts {
		require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(name), 0o644))
	}

	loader := NewLoader()
	parsed := make(map[*meltysynth.SoundFont]string)
	loader.parse = func(path string) (*font, error) {
		sf := &meltysynth.SoundFont{}
		parsed[sf] = filepath.Base(path)
		return &font{sf: sf, presets: fonts[filepath.Base(path)]}, nil
	}

	b := NewBackend(WithLoader(loader), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	b.newVoice = func(sf *meltysynth.SoundFont, _ *meltysynth.SynthesizerSettings) (voice, error) {
		name := parsed[sf]
		v := &fakeVoice{path: name, level: f.levels[name]}
		f.voices[name] = v
		return v, nil
	}

	s, err := b.Create(context.Background(), synthorch.DefaultSettings())
	require.NoError(t, err)
	f.engine = s.(*Engine)
	return f
}

func (f *fixture) load(t *testing.T, name string, offset int) synthorch.NativeID {
	t.Helper()
	id, err := f.engine.LoadSoundfont(filepath.Join(f.dir, name), offset)
	require.NoError(t, err)
	return id
}

func TestBackendRejectsTooManyChannels(t *testing.T) {
	settings := synthorch.DefaultSettings()
	settings.MidiChannels = 32
	_, err := NewBackend().Create(context.Background(), settings)
	assert.Error(t, err)
}

func TestEngineRoutesToNewestDefiningSoundfont(t *testing.T) {
	f := newFixture(t, map[string][]synthorch.PresetInfo{
		"a.sf2": {{Bank: 0, Program: 5, Name: "A Piano"}},
		"b.sf2": {{Bank: 0, Program: 5, Name: "B Piano"}, {Bank: 0, Program: 6, Name: "B Harpsichord"}},
	})
	f.load(t, "b.sf2", 0)
	f.load(t, "a.sf2", 0)
	a, b := f.voices["a.sf2"], f.voices["b.sf2"]

	require.NoError(t, f.engine.ChannelSelect(0, 0, 5))
	require.NoError(t, f.engine.ChannelSelect(1, 0, 6))
	assert.Equal(t, []midiMsg{
		{0, statusControlChange, ccBankSelect, 0},
		{0, statusProgramChange, 5, 0},
	}, a.take())
	assert.Equal(t, []midiMsg{
		{1, statusControlChange, ccBankSelect, 0},
		{1, statusProgramChange, 6, 0},
	}, b.take())

	require.NoError(t, f.engine.SendMidi([]byte{0x90, 60, 100}))
	require.NoError(t, f.engine.SendMidi([]byte{0x91, 62, 90}))
	assert.Equal(t, []midiMsg{{0, 0x90, 60, 100}}, a.take())
	assert.Equal(t, []midiMsg{{1, 0x90, 62, 90}}, b.take())
}

func TestEngineBankOffset(t *testing.T) {
	f := newFixture(t, map[string][]synthorch.PresetInfo{
		"gm.sf2":    {{Bank: 0, Program: 3}},
		"extra.sf2": {{Bank: 0, Program: 3}},
	})
	f.load(t, "gm.sf2", 0)
	extra := f.load(t, "extra.sf2", 1)
	gm, ex := f.voices["gm.sf2"], f.voices["extra.sf2"]

	require.NoError(t, f.engine.ChannelSelect(0, 1, 3))
	assert.Equal(t, []midiMsg{
		{0, statusControlChange, ccBankSelect, 0},
		{0, statusProgramChange, 3, 0},
	}, ex.take())

	require.NoError(t, f.engine.ChannelSelect(1, 0, 3))
	assert.Len(t, gm.take(), 2)

	require.NoError(t, f.engine.SetBankOffset(extra, 0))
	require.NoError(t, f.engine.ChannelSelect(1, 0, 3))
	assert.Equal(t, []midiMsg{{1, statusControlChange, ccAllNotesOff, 0}}, gm.take())
	assert.Len(t, ex.take(), 2)
}

func TestEngineProgramChangeReroutes(t *testing.T) {
	f := newFixture(t, map[string][]synthorch.PresetInfo{
		"a.sf2": {{Bank: 0, Program: 0}},
		"b.sf2": {{Bank: 8, Program: 1}},
	})
	f.load(t, "a.sf2", 0)
	f.load(t, "b.sf2", 0)
	a, b := f.voices["a.sf2"], f.voices["b.sf2"]

	require.NoError(t, f.engine.SendMidi([]byte{0xB3, 0x00, 8}))
	require.NoError(t, f.engine.SendMidi([]byte{0xC3, 1}))
	assert.Equal(t, []midiMsg{
		{3, statusControlChange, ccBankSelect, 8},
		{3, statusProgramChange, 1, 0},
	}, b.take())
	assert.Empty(t, a.take())

	require.NoError(t, f.engine.SendMidi([]byte{0xB3, 0x00, 0}))
	require.NoError(t, f.engine.SendMidi([]byte{0xC3, 0}))
	assert.Equal(t, []midiMsg{{3, statusControlChange, ccAllNotesOff, 0}}, b.take())
	assert.Len(t, a.take(), 2)

	// System and running-status bytes are ignored.
	require.NoError(t, f.engine.SendMidi([]byte{0xF8}))
	require.NoError(t, f.engine.SendMidi([]byte{0x40, 0x40}))
	require.NoError(t, f.engine.SendMidi(nil))
	assert.Empty(t, a.take())
	assert.Empty(t, b.take())
}

func TestEngineFallsBackToNewestSoundfont(t *testing.T) {
	f := newFixture(t, map[string][]synthorch.PresetInfo{
		"a.sf2": {{Bank: 0, Program: 0}},
		"b.sf2": {{Bank: 0, Program: 1}},
	})
	f.load(t, "a.sf2", 0)
	f.load(t, "b.sf2", 0)

	require.NoError(t, f.engine.ChannelSelect(0, 0, 99))
	assert.Len(t, f.voices["b.sf2"].take(), 2)
	assert.Empty(t, f.voices["a.sf2"].take())
}

func TestEngineUnloadAndPresets(t *testing.T) {
	presets := []synthorch.PresetInfo{{Bank: 0, Program: 0, Name: "Piano"}}
	f := newFixture(t, map[string][]synthorch.PresetInfo{"a.sf2": presets})
	id := f.load(t, "a.sf2", 0)

	got, err := f.engine.Presets(id)
	require.NoError(t, err)
	assert.Equal(t, presets, got)

	require.NoError(t, f.engine.ChannelSelect(0, 0, 0))
	require.NoError(t, f.engine.UnloadSoundfont(id))
	assert.Nil(t, f.engine.routes[0].target)
	assert.Error(t, f.engine.UnloadSoundfont(id))
	_, err = f.engine.Presets(id)
	assert.Error(t, err)
	assert.Error(t, f.engine.SetBankOffset(id, 1))

	_, err = f.engine.LoadSoundfont(filepath.Join(f.dir, "missing.sf2"), 0)
	assert.Error(t, err)
}

func TestEngineChannelSelectValidation(t *testing.T) {
	f := newFixture(t, nil)
	assert.Error(t, f.engine.ChannelSelect(16, 0, 0))
	assert.Error(t, f.engine.ChannelSelect(-1, 0, 0))
	assert.Error(t, f.engine.ChannelSelect(0, 0, 128))
	assert.Error(t, f.engine.ChannelSelect(0, -1, 0))
	assert.NoError(t, f.engine.ChannelSelect(0, 0, 0), "selecting without soundfonts is allowed")
}

func TestEngineParams(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.engine.SetParam(synthorch.ParamGain, 0.5))
	require.NoError(t, f.engine.SetParam(synthorch.ParamReverbRoomSize, 0.7))
	assert.Error(t, f.engine.SetParam(synthorch.ParamGain, -1))
	assert.Error(t, f.engine.SetParam("synth.nonsense", 1))

	v, ok := f.engine.Param(synthorch.ParamReverbRoomSize)
	require.True(t, ok)
	assert.Equal(t, 0.7, v)
	v, _ = f.engine.Param(synthorch.ParamGain)
	assert.Equal(t, 0.5, v)
	_, ok = f.engine.Param("synth.nonsense")
	assert.False(t, ok)
}

func TestEngineRenderMixesVoices(t *testing.T) {
	f := newFixture(t, map[string][]synthorch.PresetInfo{
		"a.sf2": {{Bank: 0, Program: 0}},
		"b.sf2": {{Bank: 0, Program: 0}},
	})
	f.levels["a.sf2"] = 0.25
	f.levels["b.sf2"] = 0.5

	left := []float32{9, 9, 9}
	right := []float32{9, 9, 9}
	f.engine.Render(left, right)
	assert.Equal(t, []float32{0, 0, 0}, left, "no soundfont renders silence")

	f.load(t, "a.sf2", 0)
	f.load(t, "b.sf2", 0)
	require.NoError(t, f.engine.SetParam(synthorch.ParamGain, 2))
	f.engine.Render(left, right)
	assert.Equal(t, []float32{1.5, 1.5, 1.5}, left)
	assert.Equal(t, []float32{-1.5, -1.5, -1.5}, right)
	assert.Equal(t, 44100, f.engine.SampleRate())
}

func TestEngineClose(t *testing.T) {
	f := newFixture(t, map[string][]synthorch.PresetInfo{"a.sf2": {{Bank: 0, Program: 0}}})
	f.levels["a.sf2"] = 1
	f.load(t, "a.sf2", 0)

	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close())

	_, err := f.engine.LoadSoundfont(filepath.Join(f.dir, "a.sf2"), 0)
	assert.ErrorIs(t, err, errClosed)
	assert.ErrorIs(t, f.engine.SendMidi([]byte{0x90, 60, 1}), errClosed)
	assert.ErrorIs(t, f.engine.ChannelSelect(0, 0, 0), errClosed)

	left, right := make([]float32, 4), make([]float32, 4)
	f.engine.Render(left, right)
	assert.Equal(t, make([]float32, 4), left)
}
