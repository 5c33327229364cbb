// Package gomidi is the "gomidi" MIDI input driver. It listens on a MIDI
// input port through gitlab.com/gomidi/midi/v2 and feeds every message to
// the engine's MIDI sink.
//
// gomidi needs a backend driver registered by the program, e.g.
//
//	import _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
package gomidi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"

	"github.com/chenyanchen/synthorch"
)

// Name is the driver name used in Settings.MidiDriver.
const Name = "gomidi"

// Options are read from Settings.DriverOptions["gomidi"].
type Options struct {
	// Port overrides Settings.MidiDevice. A port matches when its name
	// contains Port, ignoring case. Empty selects the first input port.
	Port string `json:"port"`
}

// listen opens the named input port and calls fn for every message until
// stop is called. It returns the name of the port it opened.
type listenFunc func(port string, fn func(msg []byte), onErr func(error)) (stop func(), opened string, err error)

var listen listenFunc = listenPort

func Register(reg *synthorch.Registry) error {
	return synthorch.Register(reg, synthorch.KindMidi, Name, synthorch.Definition[Options, *Driver]{
		Build: func(_ context.Context, env synthorch.Env, opt Options) (*Driver, error) {
			return open(env, opt)
		},
		Close: func(_ context.Context, d *Driver) error {
			return d.Close()
		},
	})
}

// Driver is one open MIDI input port.
type Driver struct {
	port    string
	sink    synthorch.MidiSink
	logger  *slog.Logger
	verbose atomic.Bool
	dropped atomic.Uint64

	mu   sync.Mutex
	stop func()
}

func open(env synthorch.Env, opt Options) (*Driver, error) {
	if env.Sink == nil {
		return nil, fmt.Errorf("no midi sink to deliver to")
	}
	port := opt.Port
	if port == "" {
		port = env.Settings.MidiDevice
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Driver{sink: env.Sink, logger: logger.With("midi", Name)}
	d.verbose.Store(env.Settings.Verbose)

	stop, opened, err := listen(port, d.deliver, func(err error) {
		d.logger.Warn("midi listener error", "err", err)
	})
	if err != nil {
		return nil, err
	}
	d.port = opened
	d.stop = stop
	d.logger.Info("midi input opened", "port", opened)
	return d, nil
}

func (d *Driver) deliver(msg []byte) {
	if d.verbose.Load() {
		d.logger.Info("midi in", "msg", midi.Message(msg).String())
	}
	if err := d.sink.SendMidi(msg); err != nil {
		d.dropped.Add(1)
		d.logger.Debug("midi message dropped", "err", err)
	}
}

// SetVerbose implements synthorch.VerboseSetter.
func (d *Driver) SetVerbose(on bool) {
	d.verbose.Store(on)
}

// Port returns the name of the open input port.
func (d *Driver) Port() string {
	return d.port
}

// Dropped returns the number of messages the sink refused.
func (d *Driver) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	return nil
}

// Ports lists the MIDI input ports of the registered backend.
func Ports() []string {
	var names []string
	for _, in := range midi.GetInPorts() {
		names = append(names, in.String())
	}
	return names
}

func listenPort(port string, fn func(msg []byte), onErr func(error)) (func(), string, error) {
	ins := midi.GetInPorts()
	if len(ins) == 0 {
		return nil, "", fmt.Errorf("no midi input ports")
	}
	in := ins[0]
	if port != "" {
		in = nil
		want := strings.ToLower(port)
		for _, candidate := range ins {
			if strings.Contains(strings.ToLower(candidate.String()), want) {
				in = candidate
				break
			}
		}
		if in == nil {
			return nil, "", fmt.Errorf("midi input %q not found", port)
		}
	}

	stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
		fn(msg.Bytes())
	}, midi.HandleError(onErr))
	if err != nil {
		return nil, "", fmt.Errorf("listen to %q: %w", in.String(), err)
	}
	return stop, in.String(), nil
}
