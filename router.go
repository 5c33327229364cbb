package synthorch

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// midiRouter is the built-in MIDI router. It sits between a MIDI driver and
// the engine, counts events and dumps them when asked to.
type midiRouter struct {
	engine string
	synth  MidiSink
	logger *slog.Logger
	dump   atomic.Bool
	events atomic.Uint64
}

var errNoMidiSink = errors.New("engine does not accept midi input")

func newMidiRouter(env Env) *midiRouter {
	r := &midiRouter{
		engine: env.Engine,
		logger: env.Logger,
	}
	if sink, ok := env.Synth.(MidiSink); ok {
		r.synth = sink
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.dump.Store(env.Settings.MidiDump)
	return r
}

func (r *midiRouter) SetDump(on bool) {
	r.dump.Store(on)
}

func (r *midiRouter) SendMidi(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	n := r.events.Add(1)
	if r.dump.Load() {
		r.logger.Info("midi event", "engine", r.engine, "seq", n, "bytes", msg)
	}
	if r.synth == nil {
		return errNoMidiSink
	}
	return r.synth.SendMidi(msg)
}

// Events returns the number of messages routed so far.
func (r *midiRouter) Events() uint64 {
	return r.events.Load()
}
