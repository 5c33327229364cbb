package synthorch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bindingFixture struct {
	rec     *testRecorder
	backend *fakeBackend
	binding *DriverBinding
	stack   *SoundfontStack
	table   *ChannelPresetTable
}

func newBindingFixture(t *testing.T) *bindingFixture {
	t.Helper()
	rec := &testRecorder{}
	backend := newFakeBackend(rec)
	backend.fonts["gm.sf2"] = []PresetInfo{{Bank: 0, Program: 0, Name: "Piano"}}
	reg := NewRegistry()
	registerTestDrivers(t, reg, rec)

	stack := NewSoundfontStack()
	stack.check = func(string) error { return nil }
	return &bindingFixture{
		rec:     rec,
		backend: backend,
		binding: newDriverBinding(reg, backend, testLogger()),
		stack:   stack,
		table:   NewChannelPresetTable(16, stack),
	}
}

func (f *bindingFixture) start(settings Settings) (StartReport, error) {
	return f.binding.Start(context.Background(), "synth1", settings, f.stack, f.table)
}

func TestDriverBindingStartOrder(t *testing.T) {
	f := newBindingFixture(t)
	_, err := f.stack.Load("gm.sf2", 0, false)
	require.NoError(t, err)

	report, err := f.start(testSettings())
	require.NoError(t, err)
	assert.Equal(t, FullyRunning, report.State)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, FullyRunning, f.binding.State())

	calls := f.rec.all()
	require.Len(t, calls, 4+16)
	assert.Equal(t, []string{"create engine", "create audio/test", "create midi/test", "load gm.sf2"}, calls[:4])
	for _, c := range calls[4:] {
		assert.True(t, strings.HasPrefix(c, "select "), c)
	}
	assert.True(t, f.stack.Attached())

	v, ok := f.binding.midi.Get()
	require.True(t, ok)
	drv := v.(verboseDriver)
	_, routed := drv.sink.(*midiRouter)
	assert.True(t, routed, "midi input goes through the router")

	synth := f.backend.last()
	assert.Equal(t, 1.0, synth.params[ParamGain])
	assert.Equal(t, 0.2, synth.params[ParamReverbRoomSize])
}

func TestDriverBindingStopReverseOrder(t *testing.T) {
	f := newBindingFixture(t)
	_, err := f.stack.Load("gm.sf2", 0, false)
	require.NoError(t, err)
	_, err = f.start(testSettings())
	require.NoError(t, err)

	f.rec.reset()
	require.NoError(t, f.binding.Stop(context.Background()))
	assert.Equal(t, []string{"close midi/test", "close audio/test", "unload gm.sf2", "close engine"}, f.rec.all())
	assert.Equal(t, Stopped, f.binding.State())
	assert.False(t, f.stack.Attached())
	assert.Equal(t, 1, f.stack.Len(), "the stack survives a stop")
	assert.Empty(t, f.binding.handles())

	f.rec.reset()
	require.NoError(t, f.binding.Stop(context.Background()))
	assert.Empty(t, f.rec.all(), "stopping twice must not touch native resources")
}

func TestDriverBindingAudioFailureIsFatal(t *testing.T) {
	f := newBindingFixture(t)
	_, err := f.stack.Load("gm.sf2", 0, false)
	require.NoError(t, err)

	settings := testSettings()
	settings.DriverOptions = map[string]map[string]any{"test": {"fail": true}}
	report, err := f.start(settings)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var created DriverCreationFailedError
	require.ErrorAs(t, err, &created)
	assert.Equal(t, KindAudio, created.Kind)
	assert.Equal(t, "test", created.Driver)

	assert.Equal(t, Stopped, report.State)
	assert.Equal(t, Stopped, f.binding.State())
	assert.Equal(t, []string{"create engine", "create audio/test", "close engine"}, f.rec.all())
	assert.False(t, f.stack.Attached())

	// A later start with working settings succeeds.
	report, err = f.start(testSettings())
	require.NoError(t, err)
	assert.Equal(t, FullyRunning, report.State)
}

func TestDriverBindingEngineFailureIsFatal(t *testing.T) {
	f := newBindingFixture(t)
	f.backend.failCreate = true

	_, err := f.start(testSettings())
	var created DriverCreationFailedError
	require.ErrorAs(t, err, &created)
	assert.Equal(t, KindEngine, created.Kind)
	assert.ErrorIs(t, err, errNative)
	assert.Equal(t, Stopped, f.binding.State())
	assert.Equal(t, []string{"create engine"}, f.rec.all())
}

func TestDriverBindingMidiFailureDegrades(t *testing.T) {
	f := newBindingFixture(t)
	settings := testSettings()
	settings.AudioDriver = "other"
	settings.DriverOptions = map[string]map[string]any{"test": {"fail": true}}

	report, err := f.start(settings)
	require.NoError(t, err)
	assert.Equal(t, AudioRunning, report.State)
	assert.False(t, IsFatal(err))

	var optional OptionalDriverError
	require.Len(t, report.Warnings, 1)
	require.ErrorAs(t, report.Warnings[0], &optional)
	assert.Equal(t, KindMidi, optional.Kind)

	f.rec.reset()
	require.NoError(t, f.binding.Stop(context.Background()))
	assert.Equal(t, []string{"close audio/other", "close engine"}, f.rec.all())
}

func TestDriverBindingUnknownMidiDriver(t *testing.T) {
	f := newBindingFixture(t)
	settings := testSettings()
	settings.MidiDriver = "nope"

	report, err := f.start(settings)
	require.NoError(t, err)
	assert.Equal(t, AudioRunning, report.State)

	var notFound DefinitionNotFoundError
	require.Len(t, report.Warnings, 1)
	require.ErrorAs(t, report.Warnings[0], &notFound)
	assert.Equal(t, "nope", notFound.Driver)
}

func TestDriverBindingWithoutMidiInput(t *testing.T) {
	f := newBindingFixture(t)
	settings := testSettings()
	settings.MidiIn = false

	report, err := f.start(settings)
	require.NoError(t, err)
	assert.Equal(t, FullyRunning, report.State)
	assert.NotContains(t, f.rec.all(), "create midi/test")
	assert.Len(t, f.binding.handles(), 1)

	assert.NoError(t, f.binding.setVerbose(true))
	assert.NoError(t, f.binding.setDump(true))
}

func TestDriverBindingRejectsStartWhileRunning(t *testing.T) {
	f := newBindingFixture(t)
	_, err := f.start(testSettings())
	require.NoError(t, err)

	_, err = f.start(testSettings())
	var transition InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, FullyRunning, transition.From)
	assert.Len(t, f.backend.synths, 1)
}

func TestDriverBindingLivePushes(t *testing.T) {
	f := newBindingFixture(t)
	_, err := f.start(testSettings())
	require.NoError(t, err)

	require.NoError(t, f.binding.setParam(ParamGain, 0.5))
	assert.Equal(t, 0.5, f.backend.last().params[ParamGain])

	require.NoError(t, f.binding.setVerbose(true))
	v, _ := f.binding.midi.Get()
	assert.True(t, v.(verboseDriver).verbose)

	require.NoError(t, f.binding.setDump(true))
	r, _ := f.binding.router.Get()
	assert.True(t, r.(*midiRouter).dump.Load())

	require.NoError(t, f.binding.Stop(context.Background()))
	assert.Error(t, f.binding.setParam(ParamGain, 0.7))
}

func TestDriverBindingParamFailureIsWarning(t *testing.T) {
	f := newBindingFixture(t)
	f.backend.failParam[ParamChorusDepth] = true

	report, err := f.start(testSettings())
	require.NoError(t, err)
	assert.Equal(t, FullyRunning, report.State)
	require.Len(t, report.Warnings, 1)
	assert.True(t, errors.Is(report.Warnings[0], errNative))
}

func TestDriverBindingOverrideWarnings(t *testing.T) {
	f := newBindingFixture(t)
	settings := testSettings()
	settings.Overrides = map[string]string{"synth.gain": "0.3", "no.such.key": "1"}

	report, err := f.start(settings)
	require.NoError(t, err)

	var unknown UnknownFieldError
	require.Len(t, report.Warnings, 1)
	require.ErrorAs(t, report.Warnings[0], &unknown)
	assert.Equal(t, 0.3, f.backend.last().params[ParamGain])
}
