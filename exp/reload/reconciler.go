package reload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/chenyanchen/synthorch"
	"github.com/chenyanchen/synthorch/config"
)

type snapshotEngine struct {
	settings   string
	soundfonts string
	presets    string
}

// Result describes the engine changes of one reconciliation. Engines are
// listed by name.
type Result struct {
	Added          []string // Engine exists only in the new configuration.
	Removed        []string // Engine exists only in the old configuration.
	Reused         []string // Engine record is unchanged.
	Updated        []string // Soundfonts, presets or live settings changed in place.
	PendingRestart []string // Settings changes wait for a restart.
	Restarted      []string // Engine restarted to apply its settings.
	Warnings       []error
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAutoRestart restarts engines whose settings require it instead of
// leaving the restart to the caller.
func WithAutoRestart(on bool) Option {
	return func(r *Reconciler) { r.autoRestart = on }
}

// WithAutoStart starts engines added by a reconciliation.
func WithAutoStart(on bool) Option {
	return func(r *Reconciler) { r.autoStart = on }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconciler applies whole configuration files to a Manager.
//
// Semantics:
// 1. diff the new file against the last applied one, engine by engine
// 2. destroy removed engines, in reverse order of the old file
// 3. update changed engines in place: soundfont stack, presets, settings
// 4. create added engines
// 5. record the new file as current
type Reconciler struct {
	manager     *synthorch.Manager
	autoRestart bool
	autoStart   bool
	logger      *slog.Logger

	mu       sync.Mutex
	current  config.File
	snapshot map[string]snapshotEngine
}

// New returns a reconciler whose manager already holds the engines of
// initial, e.g. after config.Restore.
func New(manager *synthorch.Manager, initial config.File, opts ...Option) (*Reconciler, error) {
	if manager == nil {
		return nil, fmt.Errorf("new reconciler: manager is nil")
	}
	snap, err := buildSnapshot(initial)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		manager:  manager,
		logger:   slog.Default(),
		current:  initial,
		snapshot: snap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Current returns the last applied configuration.
func (r *Reconciler) Current() config.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reconcile switches the manager to next.
func (r *Reconciler) Reconcile(ctx context.Context, next config.File) (Result, error) {
	if err := next.Validate(); err != nil {
		return Result{}, fmt.Errorf("validate next config: %w", err)
	}
	nextSnapshot, err := buildSnapshot(next)
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result Result
	var errs []error

	for i := len(r.current.Engines) - 1; i >= 0; i-- {
		name := r.current.Engines[i].Name
		if _, ok := nextSnapshot[name]; ok {
			continue
		}
		result.Removed = append(result.Removed, name)
		in, ok := r.manager.Lookup(name)
		if !ok {
			continue
		}
		if err := r.manager.DestroyEngine(ctx, in.ID()); err != nil {
			errs = append(errs, err)
		}
	}

	for _, rec := range next.Engines {
		old, existed := r.snapshot[rec.Name]
		in, exists := r.manager.Lookup(rec.Name)
		if !existed || !exists {
			result.Added = append(result.Added, rec.Name)
			if err := r.add(ctx, rec, &result); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		now := nextSnapshot[rec.Name]
		if now == old {
			result.Reused = append(result.Reused, rec.Name)
			continue
		}
		if err := r.update(ctx, in, rec, old, now, &result); err != nil {
			errs = append(errs, err)
		}
	}

	r.current = next
	r.snapshot = nextSnapshot
	return result, errors.Join(errs...)
}

func (r *Reconciler) add(ctx context.Context, rec config.Engine, result *Result) error {
	id, warnings, err := config.RestoreEngine(r.manager, rec)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		return err
	}
	if !r.autoStart {
		return nil
	}
	report, err := r.manager.Start(ctx, id)
	result.Warnings = append(result.Warnings, report.Warnings...)
	return err
}

func (r *Reconciler) update(ctx context.Context, in *synthorch.Instance, rec config.Engine, old, now snapshotEngine, result *Result) error {
	if old.soundfonts != now.soundfonts {
		result.Warnings = append(result.Warnings, replaceStack(in, rec.Soundfonts)...)
	}
	if old.presets != now.presets {
		result.Warnings = append(result.Warnings, replacePresets(in, rec)...)
	}
	if old.settings == now.settings {
		result.Updated = append(result.Updated, rec.Name)
		return nil
	}

	outcome, err := r.manager.ApplySettings(in.ID(), rec.Settings)
	if err != nil {
		return err
	}
	result.Warnings = append(result.Warnings, outcome.Warnings...)
	if !in.Dirty() {
		result.Updated = append(result.Updated, rec.Name)
		return nil
	}
	if !r.autoRestart {
		result.PendingRestart = append(result.PendingRestart, rec.Name)
		return nil
	}
	report, err := r.manager.Restart(ctx, in.ID())
	result.Warnings = append(result.Warnings, report.Warnings...)
	if err != nil {
		return err
	}
	result.Restarted = append(result.Restarted, rec.Name)
	r.logger.Info("engine restarted by reload", "engine", rec.Name, "fields", outcome.RequiresRestart)
	return nil
}

// replaceStack unloads every soundfont and loads the records bottom-up.
func replaceStack(in *synthorch.Instance, soundfonts []config.Soundfont) []error {
	var warnings []error
	for _, e := range in.Soundfonts() {
		if err := in.UnloadSoundfont(e.ID); err != nil {
			warnings = append(warnings, err)
		}
	}
	for i := len(soundfonts) - 1; i >= 0; i-- {
		sf := soundfonts[i]
		if _, err := in.LoadSoundfontWithOffset(sf.Path, sf.BankOffset, true); err != nil {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// replacePresets makes the named presets equal to the record's.
func replacePresets(in *synthorch.Instance, rec config.Engine) []error {
	var warnings []error
	keep := make(map[string]struct{}, len(rec.Presets))
	for _, p := range rec.Presets {
		keep[p.Name] = struct{}{}
		if err := in.ImportPreset(p.Name, p.Channels); err != nil {
			warnings = append(warnings, err)
		}
	}
	for _, name := range in.Presets() {
		if _, ok := keep[name]; ok || name == synthorch.DefaultPresetName {
			continue
		}
		if err := in.DeletePreset(name); err != nil {
			warnings = append(warnings, err)
		}
	}
	if err := in.SetDefaultPreset(rec.DefaultPreset); err != nil {
		warnings = append(warnings, err)
	}
	return warnings
}

func buildSnapshot(f config.File) (map[string]snapshotEngine, error) {
	out := make(map[string]snapshotEngine, len(f.Engines))
	for _, rec := range f.Engines {
		settings, err := hashJSON(rec.Settings)
		if err != nil {
			return nil, fmt.Errorf("build snapshot hash for %s: %w", rec.Name, err)
		}
		soundfonts, err := hashJSON(rec.Soundfonts)
		if err != nil {
			return nil, fmt.Errorf("build snapshot hash for %s: %w", rec.Name, err)
		}
		presets := append([]config.Preset(nil), rec.Presets...)
		sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
		presetHash, err := hashJSON(struct {
			Presets []config.Preset
			Default string
		}{presets, rec.DefaultPreset})
		if err != nil {
			return nil, fmt.Errorf("build snapshot hash for %s: %w", rec.Name, err)
		}
		out[rec.Name] = snapshotEngine{settings: settings, soundfonts: soundfonts, presets: presetHash}
	}
	return out, nil
}

func hashJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	normalized, err := normalizeJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeJSON(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return trimmed, nil
	}
	return json.Marshal(v)
}
