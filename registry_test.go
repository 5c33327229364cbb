package synthorch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCloseRecorder struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (r *testCloseRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.order = append(*r.order, r.name)
	return nil
}

func TestRegistryBuildDecodesDriverOptions(t *testing.T) {
	type opt struct {
		Port  string `json:"port"`
		Depth int    `json:"depth"`
	}
	type driver struct {
		engine string
		opt    opt
	}

	reg := NewRegistry()
	require.NoError(t, Register(reg, KindMidi, "mock", Definition[opt, *driver]{
		Build: func(_ context.Context, env Env, o opt) (*driver, error) {
			return &driver{engine: env.Engine, opt: o}, nil
		},
	}))

	settings := DefaultSettings()
	settings.DriverOptions = map[string]map[string]any{"mock": {"port": "Keystation", "depth": 3}}
	h, err := reg.build(context.Background(), KindMidi, "mock", Env{Engine: "synth1", Settings: settings})
	require.NoError(t, err)
	assert.Equal(t, "midi/mock", h.String())

	v, ok := h.Get()
	require.True(t, ok)
	d := v.(*driver)
	assert.Equal(t, "synth1", d.engine)
	assert.Equal(t, "Keystation", d.opt.Port)
	assert.Equal(t, 3, d.opt.Depth)

	// Without options the zero value is decoded.
	h, err = reg.build(context.Background(), KindMidi, "mock", Env{Settings: DefaultSettings()})
	require.NoError(t, err)
	v, _ = h.Get()
	assert.Equal(t, opt{}, v.(*driver).opt)
}

func TestRegistryCloseHooks(t *testing.T) {
	order := make([]string, 0, 2)
	var mu sync.Mutex

	reg := NewRegistry()
	require.NoError(t, Register(reg, KindAudio, "closer", Definition[struct{}, *testCloseRecorder]{
		Build: func(_ context.Context, _ Env, _ struct{}) (*testCloseRecorder, error) {
			return &testCloseRecorder{name: "io.Closer", order: &order, mu: &mu}, nil
		},
	}))
	require.NoError(t, Register(reg, KindAudio, "hook", Definition[struct{}, *testCloseRecorder]{
		Build: func(_ context.Context, _ Env, _ struct{}) (*testCloseRecorder, error) {
			return &testCloseRecorder{name: "unused", order: &order, mu: &mu}, nil
		},
		Close: func(_ context.Context, r *testCloseRecorder) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "hook")
			return nil
		},
	}))

	ctx := context.Background()
	a, err := reg.build(ctx, KindAudio, "closer", Env{})
	require.NoError(t, err)
	b, err := reg.build(ctx, KindAudio, "hook", Env{})
	require.NoError(t, err)

	require.NoError(t, b.Release(ctx))
	require.NoError(t, a.Release(ctx))
	require.NoError(t, a.Release(ctx))
	assert.Equal(t, []string{"hook", "io.Closer"}, order)
}

func TestRegistryValidationErrors(t *testing.T) {
	reg := NewRegistry()
	build := func(_ context.Context, _ Env, _ struct{}) (struct{}, error) { return struct{}{}, nil }

	require.Error(t, Register[struct{}, struct{}](nil, KindAudio, "x", Definition[struct{}, struct{}]{Build: build}))
	require.Error(t, Register(reg, "", "x", Definition[struct{}, struct{}]{Build: build}))
	require.Error(t, Register(reg, KindAudio, "", Definition[struct{}, struct{}]{Build: build}))
	require.Error(t, Register(reg, KindAudio, "x", Definition[struct{}, struct{}]{}))

	require.NoError(t, Register(reg, KindAudio, "x", Definition[struct{}, struct{}]{Build: build}))
	require.Error(t, Register(reg, KindAudio, "x", Definition[struct{}, struct{}]{Build: build}))
	assert.Panics(t, func() {
		MustRegister(reg, KindRouter, DefaultRouter, Definition[struct{}, struct{}]{Build: build})
	})

	_, err := reg.build(context.Background(), KindAudio, "missing", Env{})
	var defErr DefinitionNotFoundError
	require.True(t, errors.As(err, &defErr))
	assert.Equal(t, KindAudio, defErr.Kind)
	assert.Equal(t, "missing", defErr.Driver)
}

func TestRegistryDecodeError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register(reg, KindAudio, "strict", Definition[int, struct{}]{
		Decode: func(raw json.RawMessage) (int, error) {
			return 0, errors.New("no options accepted")
		},
		Build: func(_ context.Context, _ Env, _ int) (struct{}, error) {
			return struct{}{}, nil
		},
	}))

	_, err := reg.build(context.Background(), KindAudio, "strict", Env{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode options for audio/strict")
}

func TestRegistryCheck(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, KindAudio, "picky", Definition[struct{}, int]{
		Build: func(context.Context, Env, struct{}) (int, error) { return 1, nil },
		Check: func(s Settings) error {
			if s.SampleFormat != SampleFormatFloat {
				return errors.New("float only")
			}
			return nil
		},
	}))

	settings := DefaultSettings()
	err := r.check(KindAudio, "picky", settings)
	require.Error(t, err)
	assert.Equal(t, "audio driver picky: float only", err.Error())

	settings.SampleFormat = SampleFormatFloat
	assert.NoError(t, r.check(KindAudio, "picky", settings))
	assert.NoError(t, r.check(KindRouter, DefaultRouter, settings), "definitions without a check pass")
	assert.NoError(t, r.check(KindAudio, "missing", settings))
}

func TestRegistryDrivers(t *testing.T) {
	reg := NewRegistry()
	registerTestDrivers(t, reg, &testRecorder{})

	assert.Equal(t, []string{"other", "test"}, reg.Drivers(KindAudio))
	assert.Equal(t, []string{"test"}, reg.Drivers(KindMidi))
	assert.Equal(t, []string{DefaultRouter}, reg.Drivers(KindRouter))
}

func TestMidiRouterCountsAndForwards(t *testing.T) {
	synth := newDetachedSynth(newFakeBackend(&testRecorder{}))
	settings := DefaultSettings()
	settings.MidiDump = true

	r := newMidiRouter(Env{Engine: "synth1", Settings: settings, Synth: synth, Logger: testLogger()})
	assert.True(t, r.dump.Load())

	require.NoError(t, r.SendMidi([]byte{0x90, 60, 100}))
	require.NoError(t, r.SendMidi(nil))
	require.NoError(t, r.SendMidi([]byte{0x80, 60, 0}))
	assert.Equal(t, uint64(2), r.Events())
	assert.Equal(t, [][]byte{{0x90, 60, 100}, {0x80, 60, 0}}, synth.midi)

	orphan := newMidiRouter(Env{Settings: settings})
	assert.ErrorIs(t, orphan.SendMidi([]byte{0x90, 60, 100}), errNoMidiSink)
}
