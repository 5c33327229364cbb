package synthorch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRecorder captures native calls in order.
type testRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *testRecorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *testRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *testRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

var errNative = errors.New("native failure")

// fakeSynth is an engine whose soundfonts are preset tables keyed by path.
// Like the real engine it searches its soundfonts newest first.
type fakeSynth struct {
	rec     *testRecorder
	backend *fakeBackend

	next   NativeID
	loaded []fakeLoaded // load order
	params map[string]float64
	midi   [][]byte
}

type fakeLoaded struct {
	id     NativeID
	path   string
	offset int
}

func (s *fakeSynth) LoadSoundfont(path string, bankOffset int) (NativeID, error) {
	s.rec.add("load %s", path)
	if s.backend.failLoad[path] {
		return 0, errNative
	}
	if _, ok := s.backend.fonts[path]; !ok {
		return 0, fmt.Errorf("%s: not a soundfont", path)
	}
	s.next++
	s.loaded = append(s.loaded, fakeLoaded{id: s.next, path: path, offset: bankOffset})
	return s.next, nil
}

func (s *fakeSynth) UnloadSoundfont(id NativeID) error {
	path := ""
	for i, l := range s.loaded {
		if l.id == id {
			path = l.path
			if s.backend.failUnload[path] {
				s.rec.add("unload %s", path)
				return errNative
			}
			s.loaded = append(s.loaded[:i], s.loaded[i+1:]...)
			break
		}
	}
	s.rec.add("unload %s", path)
	if path == "" {
		return fmt.Errorf("soundfont %d not loaded", id)
	}
	return nil
}

func (s *fakeSynth) SetBankOffset(id NativeID, bankOffset int) error {
	s.rec.add("offset %d %d", id, bankOffset)
	for i := range s.loaded {
		if s.loaded[i].id == id {
			s.loaded[i].offset = bankOffset
			return nil
		}
	}
	return fmt.Errorf("soundfont %d not loaded", id)
}

func (s *fakeSynth) Presets(id NativeID) ([]PresetInfo, error) {
	for _, l := range s.loaded {
		if l.id == id {
			return s.backend.fonts[l.path], nil
		}
	}
	return nil, fmt.Errorf("soundfont %d not loaded", id)
}

func (s *fakeSynth) ChannelSelect(channel, bank, program int) error {
	s.rec.add("select %d %d %d", channel, bank, program)
	if s.backend.failSelect[channel] {
		return errNative
	}
	return nil
}

func (s *fakeSynth) SetParam(name string, value float64) error {
	if s.backend.failParam[name] {
		return errNative
	}
	s.params[name] = value
	return nil
}

func (s *fakeSynth) SendMidi(msg []byte) error {
	s.midi = append(s.midi, msg)
	return nil
}

func (s *fakeSynth) Close() error {
	s.rec.add("close engine")
	return nil
}

// paths lists the loaded soundfonts newest first, the engine's priority order.
func (s *fakeSynth) paths() []string {
	out := make([]string, 0, len(s.loaded))
	for i := len(s.loaded) - 1; i >= 0; i-- {
		out = append(out, s.loaded[i].path)
	}
	return out
}

type fakeBackend struct {
	rec        *testRecorder
	fonts      map[string][]PresetInfo
	failCreate bool
	failLoad   map[string]bool
	failUnload map[string]bool
	failSelect map[int]bool
	failParam  map[string]bool
	synths     []*fakeSynth
}

func newFakeBackend(rec *testRecorder) *fakeBackend {
	return &fakeBackend{
		rec:        rec,
		fonts:      make(map[string][]PresetInfo),
		failLoad:   make(map[string]bool),
		failUnload: make(map[string]bool),
		failSelect: make(map[int]bool),
		failParam:  make(map[string]bool),
	}
}

func (b *fakeBackend) Create(_ context.Context, _ Settings) (Synth, error) {
	b.rec.add("create engine")
	if b.failCreate {
		return nil, errNative
	}
	s := &fakeSynth{rec: b.rec, backend: b, params: make(map[string]float64)}
	b.synths = append(b.synths, s)
	return s, nil
}

func (b *fakeBackend) last() *fakeSynth {
	if len(b.synths) == 0 {
		return nil
	}
	return b.synths[len(b.synths)-1]
}

// newDetachedSynth returns an engine for stack tests that bypass Create.
func newDetachedSynth(b *fakeBackend) *fakeSynth {
	return &fakeSynth{rec: b.rec, backend: b, params: make(map[string]float64)}
}

// testDriver records its own creation and destruction.
type testDriver struct {
	kind string
	name string
	rec  *testRecorder
	sink MidiSink

	verbose bool
}

func (d *testDriver) Close() error {
	d.rec.add("close %s/%s", d.kind, d.name)
	return nil
}

type verboseDriver struct {
	*testDriver
}

func (d verboseDriver) SetVerbose(on bool) { d.verbose = on }

type testDriverOpt struct {
	Fail bool `json:"fail"`
}

func registerTestDrivers(t *testing.T, reg *Registry, rec *testRecorder) {
	t.Helper()
	for _, def := range []struct{ kind, name string }{
		{KindAudio, "test"},
		{KindAudio, "other"},
		{KindMidi, "test"},
	} {
		def := def
		require.NoError(t, Register(reg, def.kind, def.name, Definition[testDriverOpt, io.Closer]{
			Build: func(_ context.Context, env Env, opt testDriverOpt) (io.Closer, error) {
				rec.add("create %s/%s", def.kind, def.name)
				if opt.Fail {
					return nil, errNative
				}
				d := &testDriver{kind: def.kind, name: def.name, rec: rec, sink: env.Sink, verbose: env.Settings.Verbose}
				if def.kind == KindMidi {
					return verboseDriver{d}, nil
				}
				return d, nil
			},
		}))
	}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.AudioDriver = "test"
	s.MidiDriver = "test"
	return s
}

type testEnv struct {
	rec     *testRecorder
	backend *fakeBackend
	manager *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rec := &testRecorder{}
	backend := newFakeBackend(rec)
	reg := NewRegistry()
	registerTestDrivers(t, reg, rec)
	m := NewManager(backend, WithRegistry(reg), WithLogger(testLogger()))
	return &testEnv{rec: rec, backend: backend, manager: m}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
