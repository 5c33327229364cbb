package synthorch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// KindEngine names the engine handle in errors and graphs.
const KindEngine = "engine"

// transitions is the lifecycle state machine. Stop is reachable from every
// running or starting state.
var transitions = map[LifecycleState][]LifecycleState{
	Stopped:       {AudioStarting},
	AudioStarting: {AudioRunning, Stopped},
	AudioRunning:  {MidiStarting, Stopped},
	MidiStarting:  {FullyRunning, AudioRunning, Stopped},
	FullyRunning:  {Stopped},
}

// StartReport describes a successful start. Warnings hold non-fatal
// failures: settings overrides that were ignored, effect parameters the
// engine refused, optional drivers that are disabled and soundfonts or
// channels that could not be replayed.
type StartReport struct {
	State    LifecycleState
	Warnings []error
}

// DriverBinding owns the native resources of one running engine: the engine
// itself, its audio driver, the MIDI router and the MIDI driver. It creates
// them in dependency order and destroys them in reverse order.
type DriverBinding struct {
	registry *Registry
	backend  Backend
	logger   *slog.Logger

	state  LifecycleState
	synth  *Handle[Synth]
	audio  *Handle[any]
	router *Handle[any]
	midi   *Handle[any]

	stack *SoundfontStack
	table *ChannelPresetTable
}

func newDriverBinding(registry *Registry, backend Backend, logger *slog.Logger) *DriverBinding {
	return &DriverBinding{
		registry: registry,
		backend:  backend,
		logger:   logger,
	}
}

func (b *DriverBinding) State() LifecycleState {
	return b.state
}

// Synth returns the running engine.
func (b *DriverBinding) Synth() (Synth, bool) {
	return b.synth.Get()
}

func (b *DriverBinding) transition(to LifecycleState) error {
	for _, next := range transitions[b.state] {
		if next == to {
			b.logger.Debug("lifecycle transition", "from", b.state, "to", to)
			b.state = to
			return nil
		}
	}
	return InvalidTransitionError{From: b.state, To: to}
}

// Start creates the engine and its drivers from settings and replays the
// soundfont stack and channel table into it.
//
// A failure to create the engine or the audio driver is fatal: everything
// created so far is released, the binding stays Stopped and a
// DriverCreationFailedError is returned. MIDI failures only degrade the
// start to AudioRunning.
func (b *DriverBinding) Start(ctx context.Context, engine string, settings Settings, stack *SoundfontStack, table *ChannelPresetTable) (StartReport, error) {
	if err := b.transition(AudioStarting); err != nil {
		return StartReport{State: b.state}, err
	}

	eff, warnings := settings.Effective()
	report := StartReport{Warnings: warnings}

	synth, err := b.backend.Create(ctx, eff)
	if err != nil {
		b.state = Stopped
		return StartReport{State: Stopped}, DriverCreationFailedError{Kind: KindEngine, Driver: engine, Err: err}
	}
	b.synth = NewHandle(KindEngine, engine, synth, func(_ context.Context, s Synth) error {
		return s.Close()
	})

	for i := range fieldRules {
		rule := &fieldRules[i]
		if rule.target != targetParam {
			continue
		}
		if err := synth.SetParam(rule.param, paramValue(rule.get(&eff))); err != nil {
			report.Warnings = append(report.Warnings, fmt.Errorf("set %s: %w", rule.param, err))
		}
	}

	env := Env{Engine: engine, Settings: eff, Synth: synth, Logger: b.logger}
	audio, err := b.registry.build(ctx, KindAudio, eff.AudioDriver, env)
	if err != nil {
		abortErr := b.synth.Release(ctx)
		b.synth = nil
		b.state = Stopped
		return StartReport{State: Stopped}, errors.Join(
			DriverCreationFailedError{Kind: KindAudio, Driver: eff.AudioDriver, Err: err},
			abortErr,
		)
	}
	b.audio = audio
	if err := b.transition(AudioRunning); err != nil {
		return report, err
	}

	if err := b.transition(MidiStarting); err != nil {
		return report, err
	}
	degraded := false
	if eff.MidiIn {
		for _, w := range b.startMidi(ctx, env) {
			degraded = true
			report.Warnings = append(report.Warnings, w)
		}
	}

	b.stack = stack
	b.table = table
	if err := stack.attach(synth); err != nil {
		report.Warnings = append(report.Warnings, err)
	}
	if err := table.attach(synth); err != nil {
		report.Warnings = append(report.Warnings, err)
	}

	final := FullyRunning
	if degraded {
		final = AudioRunning
	}
	if err := b.transition(final); err != nil {
		return report, err
	}
	report.State = b.state
	return report, nil
}

// startMidi creates the MIDI router and the MIDI driver. A MIDI driver whose
// router failed is attached straight to the engine.
func (b *DriverBinding) startMidi(ctx context.Context, env Env) []error {
	var warnings []error

	sink, _ := env.Synth.(MidiSink)
	router, err := b.registry.build(ctx, KindRouter, DefaultRouter, env)
	if err != nil {
		warnings = append(warnings, OptionalDriverError{Kind: KindRouter, Driver: DefaultRouter, Err: err})
	} else if v, _ := router.Get(); isMidiSink(v) {
		b.router = router
		sink = v.(MidiSink)
	} else {
		warnings = append(warnings, errors.Join(
			OptionalDriverError{Kind: KindRouter, Driver: DefaultRouter, Err: fmt.Errorf("%T does not accept midi", v)},
			router.Release(ctx),
		))
	}

	driver := env.Settings.MidiDriver
	if sink == nil {
		return append(warnings, OptionalDriverError{Kind: KindMidi, Driver: driver, Err: errNoMidiSink})
	}
	env.Sink = sink
	midi, err := b.registry.build(ctx, KindMidi, driver, env)
	if err != nil {
		return append(warnings, OptionalDriverError{Kind: KindMidi, Driver: driver, Err: err})
	}
	b.midi = midi
	return warnings
}

// Stop destroys everything Start created, in reverse order. Stopping a
// stopped binding does nothing.
func (b *DriverBinding) Stop(ctx context.Context) error {
	if b.state == Stopped {
		return nil
	}

	var errs []error
	for _, h := range []*Handle[any]{b.midi, b.router, b.audio} {
		if err := h.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.midi, b.router, b.audio = nil, nil, nil

	if b.stack != nil {
		if err := b.stack.detach(); err != nil {
			errs = append(errs, err)
		}
		b.stack = nil
	}
	if b.table != nil {
		b.table.detach()
		b.table = nil
	}

	if err := b.synth.Release(ctx); err != nil {
		errs = append(errs, err)
	}
	b.synth = nil

	if err := b.transition(Stopped); err != nil {
		errs = append(errs, err)
		b.state = Stopped
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop engine: %w", errors.Join(errs...))
	}
	return nil
}

// setParam pushes one engine parameter.
func (b *DriverBinding) setParam(name string, value float64) error {
	synth, ok := b.synth.Get()
	if !ok {
		return fmt.Errorf("set %s: engine not running", name)
	}
	return synth.SetParam(name, value)
}

// setDump toggles event dumping on the MIDI router. Without a router the
// flag is picked up at the next start.
func (b *DriverBinding) setDump(on bool) error {
	v, ok := b.router.Get()
	if !ok {
		return nil
	}
	r, ok := v.(Router)
	if !ok {
		return fmt.Errorf("router %s cannot toggle dump", b.router)
	}
	r.SetDump(on)
	return nil
}

// setVerbose toggles event logging on the MIDI driver. Without a MIDI driver
// the flag is picked up at the next start.
func (b *DriverBinding) setVerbose(on bool) error {
	v, ok := b.midi.Get()
	if !ok {
		return nil
	}
	s, ok := v.(VerboseSetter)
	if !ok {
		return fmt.Errorf("midi driver %s cannot change verbosity while running", b.midi)
	}
	s.SetVerbose(on)
	return nil
}

func isMidiSink(v any) bool {
	_, ok := v.(MidiSink)
	return ok
}

// handles lists the live driver handles in creation order.
func (b *DriverBinding) handles() []*Handle[any] {
	var out []*Handle[any]
	for _, h := range []*Handle[any]{b.audio, b.router, b.midi} {
		if h.Live() {
			out = append(out, h)
		}
	}
	return out
}
