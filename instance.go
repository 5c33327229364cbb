package synthorch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// Instance is one engine session: its settings, soundfont stack and channel
// table, plus the drivers while it runs. The stack and the table belong to
// the instance, not to the drivers, so they survive restarts unchanged.
//
// An Instance is not safe for concurrent use.
type Instance struct {
	id       EngineID
	name     string
	settings Settings
	pending  *Settings

	stack   *SoundfontStack
	presets *ChannelPresetTable
	binding *DriverBinding
	logger  *slog.Logger

	// defaultPreset is loaded into the channel table by the first successful
	// start. Later starts and restarts replay the table as it is.
	defaultPreset string
	started       bool
}

func newInstance(id EngineID, name string, settings Settings, binding *DriverBinding, logger *slog.Logger) *Instance {
	eff, _ := settings.Effective()
	stack := NewSoundfontStack()
	return &Instance{
		id:       id,
		name:     name,
		settings: settings.Clone(),
		stack:    stack,
		presets:  NewChannelPresetTable(eff.MidiChannels, stack),
		binding:  binding,
		logger:   logger.With("engine", name),
	}
}

func (in *Instance) ID() EngineID { return in.id }

func (in *Instance) Name() string { return in.name }

// Settings returns the active settings: what the running engine was built
// from plus every live change applied since.
func (in *Instance) Settings() Settings { return in.settings.Clone() }

// Pending returns the settings waiting for a restart.
func (in *Instance) Pending() (Settings, bool) {
	if in.pending == nil {
		return Settings{}, false
	}
	return in.pending.Clone(), true
}

// Dirty reports whether a restart is needed for the settings to take effect.
func (in *Instance) Dirty() bool { return in.pending != nil }

func (in *Instance) State() LifecycleState { return in.binding.State() }

func (in *Instance) effective() Settings {
	eff, _ := in.settings.Effective()
	return eff
}

// LoadSoundfont puts path on top of the soundfont stack with the instance's
// default bank offset.
func (in *Instance) LoadSoundfont(path string, force bool) (SoundfontID, error) {
	return in.LoadSoundfontWithOffset(path, in.effective().BankOffsetDefault, force)
}

func (in *Instance) LoadSoundfontWithOffset(path string, bankOffset int, force bool) (SoundfontID, error) {
	id, err := in.stack.Load(path, bankOffset, force)
	if err != nil {
		return 0, err
	}
	in.logger.Info("soundfont loaded", "id", id, "path", path, "bankOffset", bankOffset)
	in.resync()
	return id, nil
}

func (in *Instance) UnloadSoundfont(id SoundfontID) error {
	if err := in.stack.Unload(id); err != nil {
		return err
	}
	in.logger.Info("soundfont unloaded", "id", id)
	in.resync()
	return nil
}

func (in *Instance) ReorderSoundfont(id SoundfontID, position int) error {
	if err := in.stack.Reorder(id, position); err != nil {
		return err
	}
	in.resync()
	return nil
}

func (in *Instance) SetBankOffset(id SoundfontID, bankOffset int) error {
	if err := in.stack.SetBankOffset(id, bankOffset); err != nil {
		return err
	}
	in.resync()
	return nil
}

// Soundfonts returns the stack in priority order.
func (in *Instance) Soundfonts() []SoundfontEntry { return in.stack.Entries() }

// SoundfontPresets lists the presets of one stack entry. The entry's
// presets are known once it has been loaded into an engine.
func (in *Instance) SoundfontPresets(id SoundfontID) ([]PresetInfo, error) {
	return in.stack.Presets(id)
}

// Resolve returns the soundfont answering (bank, program).
func (in *Instance) Resolve(bank, program int) (SoundfontID, bool) {
	return in.stack.Resolve(bank, program)
}

// resync re-selects every channel after the stack changed under a running
// engine, so that channels pick up the new resolution.
func (in *Instance) resync() {
	if err := in.presets.resync(); err != nil {
		in.logger.Warn("channel resync failed", "err", err)
	}
}

func (in *Instance) SetChannel(channel, bank, program int) error {
	return in.presets.Set(channel, bank, program)
}

func (in *Instance) Channel(channel int) (ChannelPreset, error) {
	return in.presets.Channel(channel)
}

func (in *Instance) Channels() []ChannelPreset { return in.presets.Channels() }

func (in *Instance) SavePreset(name string) error { return in.presets.SavePreset(name) }

func (in *Instance) LoadPreset(name string) ([]ChannelFailure, error) {
	return in.presets.LoadPreset(name)
}

func (in *Instance) DeletePreset(name string) error { return in.presets.DeletePreset(name) }

func (in *Instance) Presets() []string { return in.presets.Presets() }

func (in *Instance) PresetSnapshot(name string) ([]ChannelAssignment, bool) {
	return in.presets.Snapshot(name)
}

func (in *Instance) ImportPreset(name string, channels []ChannelAssignment) error {
	return in.presets.ImportPreset(name, channels)
}

// DefaultPreset is the channel preset loaded by the first start of the
// engine; empty means the channel table is replayed as it is.
func (in *Instance) DefaultPreset() string { return in.defaultPreset }

func (in *Instance) SetDefaultPreset(name string) error {
	if name != "" {
		if _, ok := in.presets.Snapshot(name); !ok {
			return PresetNotFoundError{Name: name}
		}
	}
	in.defaultPreset = name
	return nil
}

func (in *Instance) start(ctx context.Context) (StartReport, error) {
	report, err := in.binding.Start(ctx, in.name, in.settings, in.stack, in.presets)
	if err != nil {
		in.logger.Error("engine start failed", "err", err)
		return report, err
	}
	first := !in.started
	in.started = true
	if first && in.defaultPreset != "" {
		failures, err := in.presets.LoadPreset(in.defaultPreset)
		if err != nil {
			report.Warnings = append(report.Warnings, err)
		}
		for _, f := range failures {
			report.Warnings = append(report.Warnings, f)
		}
	}
	for _, w := range report.Warnings {
		in.logger.Warn("engine start degraded", "err", w)
	}
	in.logger.Info("engine started", "state", report.State, "audio", in.effective().AudioDriver)
	return report, nil
}

func (in *Instance) stop(ctx context.Context) error {
	if in.binding.State() == Stopped {
		return nil
	}
	if err := in.binding.Stop(ctx); err != nil {
		in.logger.Error("engine stop failed", "err", err)
		return err
	}
	in.logger.Info("engine stopped")
	return nil
}

// restart tears the engine down and starts it again with the pending
// settings, if any. The pending settings become active even when the start
// fails, so that the failing configuration stays visible.
func (in *Instance) restart(ctx context.Context) (StartReport, error) {
	if err := in.stop(ctx); err != nil {
		return StartReport{State: in.State()}, fmt.Errorf("restart %s: %w", in.name, err)
	}
	if in.pending != nil {
		in.settings = *in.pending
		in.pending = nil
		in.presets.resize(in.effective().MidiChannels)
	}
	report, err := in.start(ctx)
	if err != nil {
		return report, fmt.Errorf("restart %s: %w", in.name, err)
	}
	return report, nil
}

// Graph returns the instance's resources and their dependencies.
func (in *Instance) Graph() Graph {
	var g Graph
	engineID := KindEngine + ":" + in.name
	g.add(GraphNode{ID: engineID, Kind: KindEngine, Driver: in.State().String()})
	midiSink := engineID
	for _, h := range in.binding.handles() {
		id := h.kind + ":" + in.name
		switch h.kind {
		case KindRouter:
			g.add(GraphNode{ID: id, Kind: h.kind, Driver: h.name}, engineID)
			midiSink = id
		case KindMidi:
			g.add(GraphNode{ID: id, Kind: h.kind, Driver: h.name}, midiSink)
		default:
			g.add(GraphNode{ID: id, Kind: h.kind, Driver: h.name}, engineID)
		}
	}
	entries := in.stack.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		g.add(GraphNode{
			ID:     "soundfont:" + strconv.Itoa(int(e.ID)),
			Kind:   "soundfont",
			Driver: e.Path,
		}, engineID)
	}
	return g
}
