package synthorch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ApplyOutcome classifies the fields changed by ApplySettings by their
// policy. On a stopped engine both sets take effect at the next start and
// the engine is not marked dirty.
type ApplyOutcome struct {
	AppliedLive     []Field
	RequiresRestart []Field
	Warnings        []error
}

// EngineInfo is a status line for one engine.
type EngineInfo struct {
	ID    EngineID
	Name  string
	State LifecycleState
	Dirty bool
}

// Manager owns the engine instances of a process.
//
// Only the instance collection is guarded; operations on one engine must come
// from a single goroutine at a time. Concurrent Restart calls for the same
// engine share one restart cycle.
type Manager struct {
	backend  Backend
	registry *Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	instances map[EngineID]*Instance
	order     []EngineID // creation order

	restarts singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRegistry sets the driver registry. Defaults to NewRegistry(), which
// only knows the built-in MIDI router.
func WithRegistry(registry *Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:   backend,
		registry:  NewRegistry(),
		logger:    slog.Default(),
		instances: make(map[EngineID]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the driver registry engines are built from.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreateEngine registers a stopped engine under a unique name.
func (m *Manager) CreateEngine(name string, settings Settings) (EngineID, error) {
	if name == "" {
		return uuid.Nil, errors.New("create engine: name is empty")
	}
	eff, warnings := settings.Effective()
	if err := eff.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("create engine %s: %w", name, err)
	}
	for _, w := range warnings {
		m.logger.Warn("settings override ignored", "engine", name, "err", w)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupLocked(name) != nil {
		return uuid.Nil, DuplicateEngineNameError{Name: name}
	}
	id := uuid.New()
	binding := newDriverBinding(m.registry, m.backend, m.logger.With("engine", name))
	m.instances[id] = newInstance(id, name, settings, binding, m.logger)
	m.order = append(m.order, id)
	m.logger.Info("engine created", "engine", name, "id", id)
	return id, nil
}

// DestroyEngine stops the engine if it runs and removes it. The engine is
// removed even when stopping fails.
func (m *Manager) DestroyEngine(ctx context.Context, id EngineID) error {
	in, err := m.Instance(id)
	if err != nil {
		return err
	}
	stopErr := in.stop(ctx)

	m.mu.Lock()
	delete(m.instances, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("engine destroyed", "engine", in.name, "id", id)
	if stopErr != nil {
		return fmt.Errorf("destroy engine %s: %w", in.name, stopErr)
	}
	return nil
}

// RenameEngine changes an engine's name. The new name applies to drivers
// created at the next start.
func (m *Manager) RenameEngine(id EngineID, name string) error {
	if name == "" {
		return errors.New("rename engine: name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[id]
	if !ok {
		return EngineNotFoundError{ID: id}
	}
	if other := m.lookupLocked(name); other != nil && other != in {
		return DuplicateEngineNameError{Name: name}
	}
	in.name = name
	in.logger = m.logger.With("engine", name)
	return nil
}

// Engines lists the engines in creation order.
func (m *Manager) Engines() []EngineInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EngineInfo, 0, len(m.order))
	for _, id := range m.order {
		in := m.instances[id]
		out = append(out, EngineInfo{ID: id, Name: in.name, State: in.State(), Dirty: in.Dirty()})
	}
	return out
}

func (m *Manager) Instance(id EngineID) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instances[id]
	if !ok {
		return nil, EngineNotFoundError{ID: id}
	}
	return in, nil
}

// Lookup finds an engine by name.
func (m *Manager) Lookup(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := m.lookupLocked(name)
	return in, in != nil
}

func (m *Manager) lookupLocked(name string) *Instance {
	for _, in := range m.instances {
		if in.name == name {
			return in
		}
	}
	return nil
}

func (m *Manager) State(id EngineID) (LifecycleState, error) {
	in, err := m.Instance(id)
	if err != nil {
		return Stopped, err
	}
	return in.State(), nil
}

func (m *Manager) Start(ctx context.Context, id EngineID) (StartReport, error) {
	in, err := m.Instance(id)
	if err != nil {
		return StartReport{}, err
	}
	return in.start(ctx)
}

func (m *Manager) Stop(ctx context.Context, id EngineID) error {
	in, err := m.Instance(id)
	if err != nil {
		return err
	}
	return in.stop(ctx)
}

// StartAll starts every stopped engine in creation order. An engine that
// fails to start does not keep the others from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, in := range m.snapshot() {
		if in.State() != Stopped {
			continue
		}
		if _, err := in.start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", in.name, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every engine in reverse creation order.
func (m *Manager) StopAll(ctx context.Context) error {
	instances := m.snapshot()
	var errs []error
	for i := len(instances) - 1; i >= 0; i-- {
		if err := instances[i].stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", instances[i].name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id])
	}
	return out
}

// ApplySettings replaces the settings of an engine.
//
// On a stopped engine every change is recorded and takes effect at the next
// start; the outcome still classifies the fields by policy. On a running engine live-applicable fields are pushed right away
// and restart-required fields are held as pending settings until Restart; the
// running engine is not touched for them. A live push the engine refuses is
// reported as a warning and its field moves to RequiresRestart. Drivers that
// can tell up front that the new settings will not build add a warning.
func (m *Manager) ApplySettings(id EngineID, next Settings) (ApplyOutcome, error) {
	in, err := m.Instance(id)
	if err != nil {
		return ApplyOutcome{}, err
	}
	nextEff, warnings := next.Effective()
	if err := nextEff.Validate(); err != nil {
		return ApplyOutcome{}, fmt.Errorf("apply settings to %s: %w", in.name, err)
	}
	outcome := ApplyOutcome{Warnings: warnings}

	changed := Diff(in.settings, next)
	if !in.State().Running() {
		for _, f := range changed {
			if PolicyOf(f) == LiveApplicable {
				outcome.AppliedLive = append(outcome.AppliedLive, f)
			} else {
				outcome.RequiresRestart = append(outcome.RequiresRestart, f)
			}
		}
		outcome.Warnings = append(outcome.Warnings, m.checkDrivers(nextEff, outcome.RequiresRestart)...)
		in.settings = next.Clone()
		in.pending = nil
		in.presets.resize(nextEff.MidiChannels)
		return outcome, nil
	}

	var live []Field
	for _, f := range changed {
		rule, _ := ruleByField(f)
		if rule.policy != LiveApplicable {
			outcome.RequiresRestart = append(outcome.RequiresRestart, f)
			continue
		}
		if err := in.push(rule, &nextEff); err != nil {
			outcome.Warnings = append(outcome.Warnings, fmt.Errorf("apply %s live: %w", f, err))
			outcome.RequiresRestart = append(outcome.RequiresRestart, f)
			continue
		}
		live = append(live, f)
	}
	outcome.AppliedLive = live

	if len(outcome.RequiresRestart) == 0 {
		in.settings = next.Clone()
		in.pending = nil
	} else {
		outcome.Warnings = append(outcome.Warnings, m.checkDrivers(nextEff, outcome.RequiresRestart)...)
		in.settings = absorb(in.settings, nextEff, live)
		pending := next.Clone()
		in.pending = &pending
		in.logger.Info("restart required", "fields", outcome.RequiresRestart)
	}
	for _, w := range outcome.Warnings {
		in.logger.Warn("apply settings", "err", w)
	}
	return outcome, nil
}

// checkDrivers asks the drivers eff names whether they could be built with
// it. A failing check is a warning: the settings are still recorded, but the
// next start is expected to fail.
func (m *Manager) checkDrivers(eff Settings, restart []Field) []error {
	if len(restart) == 0 {
		return nil
	}
	var warnings []error
	if err := m.registry.check(KindAudio, eff.AudioDriver, eff); err != nil {
		warnings = append(warnings, err)
	}
	if eff.MidiIn {
		if err := m.registry.check(KindMidi, eff.MidiDriver, eff); err != nil {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// push sends one live-applicable field of s to the running engine.
func (in *Instance) push(rule *fieldRule, s *Settings) error {
	v := rule.get(s)
	switch rule.target {
	case targetParam:
		return in.binding.setParam(rule.param, paramValue(v))
	case targetRouter:
		return in.binding.setDump(v.(bool))
	case targetMidiDriver:
		return in.binding.setVerbose(v.(bool))
	}
	return nil
}

// absorb returns active with the given fields taken from eff. Overrides that
// would shadow an absorbed field are dropped.
func absorb(active, eff Settings, fields []Field) Settings {
	out := active.Clone()
	for _, f := range fields {
		rule, ok := ruleByField(f)
		if !ok {
			continue
		}
		rule.copy(&out, &eff)
		if rule.key != "" {
			delete(out.Overrides, rule.key)
		}
	}
	return out
}

// DiscardPending drops settings waiting for a restart; the engine keeps
// running with its active settings.
func (m *Manager) DiscardPending(id EngineID) error {
	in, err := m.Instance(id)
	if err != nil {
		return err
	}
	in.pending = nil
	return nil
}

// Restart stops the engine and starts it with its pending settings. The
// soundfont stack and the channel table are replayed unchanged.
func (m *Manager) Restart(ctx context.Context, id EngineID) (StartReport, error) {
	in, err := m.Instance(id)
	if err != nil {
		return StartReport{}, err
	}
	v, err, shared := m.restarts.Do(id.String(), func() (any, error) {
		return in.restart(ctx)
	})
	if shared {
		in.logger.Debug("restart shared with a concurrent request")
	}
	report, _ := v.(StartReport)
	return report, err
}

// RestartAll restarts every running engine one at a time in creation order.
// A failing engine does not keep the remaining ones from restarting.
func (m *Manager) RestartAll(ctx context.Context) error {
	var errs []error
	for _, in := range m.snapshot() {
		if !in.State().Running() {
			continue
		}
		if _, err := m.Restart(ctx, in.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
