// Package oto is the "oto" audio driver. It plays an engine through
// ebitengine/oto, pulling stereo blocks from the engine's Render and
// encoding them as signed 16-bit or float32 samples.
package oto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/chenyanchen/synthorch"
)

// Name is the driver name used in Settings.AudioDriver.
const Name = "oto"

const channelCount = 2

// sampleFormat maps Settings.SampleFormat to oto's format and sample width.
type sampleFormat struct {
	oto   oto.Format
	width int
}

var sampleFormats = map[string]sampleFormat{
	synthorch.SampleFormat16Bits: {oto: oto.FormatSignedInt16LE, width: 2},
	synthorch.SampleFormatFloat:  {oto: oto.FormatFloat32LE, width: 4},
}

// Options are the driver specific settings, read from
// Settings.DriverOptions["oto"].
type Options struct {
	// BufferMillis overrides the device buffer length derived from the
	// buffer size and count.
	BufferMillis int `json:"bufferMillis"`
}

// oto allows one context per process and never closes it, so all engines
// share it and must agree on the sample rate and format.
var shared struct {
	mu     sync.Mutex
	ctx    *oto.Context
	rate   int
	format string
}

// Compatible reports whether an engine with settings s can still open the
// shared context. Once a context exists, its rate and format are fixed for
// the life of the process.
func Compatible(s synthorch.Settings) error {
	if _, ok := sampleFormats[s.SampleFormat]; !ok {
		return fmt.Errorf("oto cannot play sample format %q", s.SampleFormat)
	}
	shared.mu.Lock()
	defer shared.mu.Unlock()
	return compatibleLocked(int(s.SampleRate), s.SampleFormat)
}

func compatibleLocked(rate int, format string) error {
	if shared.ctx == nil {
		return nil
	}
	if shared.rate != rate {
		return fmt.Errorf("oto already runs at %d Hz, cannot open %d Hz", shared.rate, rate)
	}
	if shared.format != format {
		return fmt.Errorf("oto already runs with %s samples, cannot open %s", shared.format, format)
	}
	return nil
}

func openContext(rate int, format string, buffer time.Duration) (*oto.Context, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if err := compatibleLocked(rate, format); err != nil {
		return nil, err
	}
	if shared.ctx != nil {
		return shared.ctx, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channelCount,
		Format:       sampleFormats[format].oto,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, err
	}
	<-ready
	shared.ctx = ctx
	shared.rate = rate
	shared.format = format
	return ctx, nil
}

// Register adds the driver to reg.
func Register(reg *synthorch.Registry) error {
	return synthorch.Register(reg, synthorch.KindAudio, Name, synthorch.Definition[Options, *Driver]{
		Build: func(_ context.Context, env synthorch.Env, opt Options) (*Driver, error) {
			return open(env, opt)
		},
		Close: func(_ context.Context, d *Driver) error {
			return d.Close()
		},
		Check: Compatible,
	})
}

// Driver streams one engine to the shared oto context.
type Driver struct {
	renderer synthorch.Renderer
	format   sampleFormat
	player   *oto.Player

	// Read is only called from oto's player goroutine.
	left, right []float32
}

func open(env synthorch.Env, opt Options) (*Driver, error) {
	renderer, ok := env.Synth.(synthorch.Renderer)
	if !ok {
		return nil, errors.New("engine cannot render audio")
	}
	format, ok := sampleFormats[env.Settings.SampleFormat]
	if !ok {
		return nil, fmt.Errorf("unsupported sample format %q", env.Settings.SampleFormat)
	}
	rate := int(env.Settings.SampleRate)
	buffer := time.Duration(opt.BufferMillis) * time.Millisecond
	if buffer <= 0 {
		frames := env.Settings.BufferSize * env.Settings.BufferCount
		buffer = time.Duration(frames) * time.Second / time.Duration(rate)
	}
	ctx, err := openContext(rate, env.Settings.SampleFormat, buffer)
	if err != nil {
		return nil, fmt.Errorf("open oto context: %w", err)
	}

	d := &Driver{renderer: renderer, format: format}
	d.player = ctx.NewPlayer(d)
	d.player.Play()
	return d, nil
}

// Read renders interleaved little-endian stereo frames in the driver's
// sample format. 16-bit samples are clamped to [-1, 1] first.
func (d *Driver) Read(p []byte) (int, error) {
	width := d.format.width
	frames := len(p) / (channelCount * width)
	if cap(d.left) < frames {
		d.left = make([]float32, frames)
		d.right = make([]float32, frames)
	}
	left, right := d.left[:frames], d.right[:frames]
	d.renderer.Render(left, right)
	for i := 0; i < frames; i++ {
		off := i * channelCount * width
		if width == 2 {
			binary.LittleEndian.PutUint16(p[off:], uint16(toInt16(left[i])))
			binary.LittleEndian.PutUint16(p[off+width:], uint16(toInt16(right[i])))
			continue
		}
		binary.LittleEndian.PutUint32(p[off:], math.Float32bits(left[i]))
		binary.LittleEndian.PutUint32(p[off+width:], math.Float32bits(right[i]))
	}
	return frames * channelCount * width, nil
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

func (d *Driver) Close() error {
	if d.player == nil {
		return nil
	}
	d.player.Pause()
	err := d.player.Close()
	d.player = nil
	return err
}
