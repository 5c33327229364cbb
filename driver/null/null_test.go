package null

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenyanchen/synthorch"
)

// constSynth renders a constant level and takes no soundfonts.
type constSynth struct {
	renders atomic.Int64

	mu   sync.Mutex
	midi [][]byte
}

func (s *constSynth) Render(left, right []float32) {
	s.renders.Add(1)
	for i := range left {
		left[i] = 0.5
		right[i] = 0.5
	}
}

func (s *constSynth) LoadSoundfont(string, int) (synthorch.NativeID, error) {
	return 0, errors.New("no soundfonts")
}

func (s *constSynth) UnloadSoundfont(synthorch.NativeID) error { return nil }
func (s *constSynth) SetBankOffset(synthorch.NativeID, int) error { return nil }
func (s *constSynth) Presets(synthorch.NativeID) ([]synthorch.PresetInfo, error) {
	return nil, nil
}
func (s *constSynth) ChannelSelect(int, int, int) error { return nil }
func (s *constSynth) SetParam(string, float64) error { return nil }
func (s *constSynth) Close() error { return nil }

func (s *constSynth) SendMidi(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.midi = append(s.midi, msg)
	return nil
}

func TestAudioPull(t *testing.T) {
	synth := &constSynth{}
	settings := synthorch.DefaultSettings()
	settings.BufferSize = 4

	a := newAudio(synthorch.Env{Settings: settings, Synth: synth}, AudioOptions{})
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, a.Pull())
	assert.Equal(t, uint64(1), a.Blocks())
	assert.NoError(t, a.Close())
}

func TestAudioRealtime(t *testing.T) {
	synth := &constSynth{}
	settings := synthorch.DefaultSettings()
	settings.BufferSize = 64
	settings.SampleRate = 64000

	a := newAudio(synthorch.Env{Settings: settings, Synth: synth}, AudioOptions{Realtime: true})
	assert.Eventually(t, func() bool { return a.Blocks() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, a.Close())

	after := a.Blocks()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, a.Blocks(), "no blocks after Close")
	assert.NoError(t, a.Close())
}

func TestAudioWithoutRenderer(t *testing.T) {
	a := newAudio(synthorch.Env{Settings: synthorch.DefaultSettings()}, AudioOptions{Realtime: true})
	assert.Len(t, a.Pull(), 64)
	assert.NoError(t, a.Close())
}

func TestRegisterAndInject(t *testing.T) {
	reg := synthorch.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Contains(t, reg.Drivers(synthorch.KindAudio), Name)
	assert.Contains(t, reg.Drivers(synthorch.KindMidi), Name)

	synth := &constSynth{}
	backend := synthorch.BackendFunc(func(context.Context, synthorch.Settings) (synthorch.Synth, error) {
		return synth, nil
	})
	m := synthorch.NewManager(backend, synthorch.WithRegistry(reg))
	settings := synthorch.DefaultSettings()
	settings.AudioDriver = Name
	settings.MidiDriver = Name
	settings.Verbose = true
	id, err := m.CreateEngine("headless", settings)
	require.NoError(t, err)

	report, err := m.Start(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, synthorch.FullyRunning, report.State)
	require.NoError(t, m.Stop(context.Background(), id))
}

func TestMidiInject(t *testing.T) {
	synth := &constSynth{}
	m := &Midi{sink: synth}
	require.NoError(t, m.Inject([]byte{0x90, 60, 100}))
	assert.Equal(t, [][]byte{{0x90, 60, 100}}, synth.midi)

	m.SetVerbose(true)
	assert.True(t, m.Verbose())
}
