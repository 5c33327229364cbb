// Package null provides the headless "null" audio and MIDI drivers for
// machines without sound hardware, CI and offline rendering.
package null

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyanchen/synthorch"
)

// Name is the driver name for both kinds.
const Name = "null"

// AudioOptions are read from Settings.DriverOptions["null"].
type AudioOptions struct {
	// Realtime pulls audio from the engine at the sample rate, discarding
	// it. Without it the engine only renders on Pull.
	Realtime bool `json:"realtime"`
}

// Register adds the null audio and MIDI drivers to reg.
func Register(reg *synthorch.Registry) error {
	return errors.Join(
		synthorch.Register(reg, synthorch.KindAudio, Name, synthorch.Definition[AudioOptions, *Audio]{
			Build: func(_ context.Context, env synthorch.Env, opt AudioOptions) (*Audio, error) {
				return newAudio(env, opt), nil
			},
		}),
		synthorch.Register(reg, synthorch.KindMidi, Name, synthorch.Definition[struct{}, *Midi]{
			Build: func(_ context.Context, env synthorch.Env, _ struct{}) (*Midi, error) {
				if env.Sink == nil {
					return nil, errors.New("no midi sink to deliver to")
				}
				m := &Midi{sink: env.Sink}
				m.verbose.Store(env.Settings.Verbose)
				return m, nil
			},
		}),
	)
}

// Audio discards what the engine renders.
type Audio struct {
	renderer    synthorch.Renderer
	frames      int
	left, right []float32

	mu     sync.Mutex
	blocks atomic.Uint64
	done   chan struct{}
	wg     sync.WaitGroup
}

func newAudio(env synthorch.Env, opt AudioOptions) *Audio {
	a := &Audio{frames: max(1, env.Settings.BufferSize)}
	a.renderer, _ = env.Synth.(synthorch.Renderer)
	a.left = make([]float32, a.frames)
	a.right = make([]float32, a.frames)
	if opt.Realtime && a.renderer != nil && env.Settings.SampleRate > 0 {
		period := time.Duration(float64(a.frames) / env.Settings.SampleRate * float64(time.Second))
		a.done = make(chan struct{})
		a.wg.Add(1)
		go a.run(period)
	}
	return a
}

func (a *Audio) run(period time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.Pull()
		}
	}
}

// Pull renders one block and returns its left channel.
func (a *Audio) Pull() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.renderer != nil {
		a.renderer.Render(a.left, a.right)
	}
	a.blocks.Add(1)
	return append([]float32(nil), a.left...)
}

// Blocks returns the number of blocks rendered.
func (a *Audio) Blocks() uint64 {
	return a.blocks.Load()
}

func (a *Audio) Close() error {
	if a.done != nil {
		close(a.done)
		a.wg.Wait()
		a.done = nil
	}
	return nil
}

// Midi delivers injected messages to the engine.
type Midi struct {
	sink    synthorch.MidiSink
	verbose atomic.Bool
}

// Inject sends one message as if it arrived on a MIDI port.
func (m *Midi) Inject(msg []byte) error {
	return m.sink.SendMidi(msg)
}

func (m *Midi) SetVerbose(on bool) {
	m.verbose.Store(on)
}

func (m *Midi) Verbose() bool {
	return m.verbose.Load()
}
