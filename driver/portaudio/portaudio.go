//go:build portaudio

// Package portaudio is the "portaudio" audio driver. It needs cgo and the
// PortAudio library, so it is only built with the portaudio build tag.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/chenyanchen/synthorch"
)

// Name is the driver name used in Settings.AudioDriver.
const Name = "portaudio"

// Options are read from Settings.DriverOptions["portaudio"].
type Options struct {
	// LowLatency selects the device's low latency parameters.
	LowLatency bool `json:"lowLatency"`
}

// PortAudio is initialised once for all open streams.
var library struct {
	mu   sync.Mutex
	refs int
}

func acquire() error {
	library.mu.Lock()
	defer library.mu.Unlock()
	if library.refs == 0 {
		if err := pa.Initialize(); err != nil {
			return err
		}
	}
	library.refs++
	return nil
}

func release() error {
	library.mu.Lock()
	defer library.mu.Unlock()
	library.refs--
	if library.refs == 0 {
		return pa.Terminate()
	}
	return nil
}

func Register(reg *synthorch.Registry) error {
	return synthorch.Register(reg, synthorch.KindAudio, Name, synthorch.Definition[Options, *Driver]{
		Build: func(_ context.Context, env synthorch.Env, opt Options) (*Driver, error) {
			return open(env, opt)
		},
		Close: func(_ context.Context, d *Driver) error {
			return d.Close()
		},
	})
}

// Driver runs one PortAudio output stream fed by the engine's Render.
type Driver struct {
	stream *pa.Stream
}

func open(env synthorch.Env, opt Options) (*Driver, error) {
	renderer, ok := env.Synth.(synthorch.Renderer)
	if !ok {
		return nil, errors.New("engine cannot render audio")
	}
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	callback, err := streamCallback(renderer, env.Settings.SampleFormat)
	if err != nil {
		return nil, errors.Join(err, release())
	}
	stream, err := openStream(env.Settings, opt, callback)
	if err != nil {
		return nil, errors.Join(err, release())
	}
	if err := stream.Start(); err != nil {
		return nil, errors.Join(fmt.Errorf("start stream: %w", err), stream.Close(), release())
	}
	return &Driver{stream: stream}, nil
}

// streamCallback returns a non-interleaved stereo callback writing samples
// in the given format. PortAudio picks the stream's sample type from the
// callback's buffer type.
func streamCallback(renderer synthorch.Renderer, format string) (any, error) {
	switch format {
	case synthorch.SampleFormatFloat:
		return func(out [][]float32) {
			renderer.Render(out[0], out[1])
		}, nil
	case synthorch.SampleFormat16Bits:
		var left, right []float32
		return func(out [][]int16) {
			n := len(out[0])
			if cap(left) < n {
				left, right = make([]float32, n), make([]float32, n)
			}
			renderer.Render(left[:n], right[:n])
			for i := 0; i < n; i++ {
				out[0][i] = toInt16(left[i])
				out[1][i] = toInt16(right[i])
			}
		}, nil
	}
	return nil, fmt.Errorf("unsupported sample format %q", format)
}

func toInt16(v float32) int16 {
	switch {
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	}
	return int16(v * math.MaxInt16)
}

func openStream(s synthorch.Settings, opt Options, callback any) (*pa.Stream, error) {
	if s.AudioDevice == "" {
		stream, err := pa.OpenDefaultStream(0, 2, s.SampleRate, s.BufferSize, callback)
		if err != nil {
			return nil, fmt.Errorf("open default stream: %w", err)
		}
		return stream, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Name != s.AudioDevice || dev.MaxOutputChannels < 2 {
			continue
		}
		p := pa.HighLatencyParameters(nil, dev)
		if opt.LowLatency {
			p = pa.LowLatencyParameters(nil, dev)
		}
		p.Output.Channels = 2
		p.SampleRate = s.SampleRate
		p.FramesPerBuffer = s.BufferSize
		stream, err := pa.OpenStream(p, callback)
		if err != nil {
			return nil, fmt.Errorf("open stream on %q: %w", dev.Name, err)
		}
		return stream, nil
	}
	return nil, fmt.Errorf("no output device named %q", s.AudioDevice)
}

func (d *Driver) Close() error {
	if d.stream == nil {
		return nil
	}
	err := errors.Join(d.stream.Stop(), d.stream.Close(), release())
	d.stream = nil
	return err
}
