// Package config persists engine configurations as YAML.
//
// A file holds one record per engine: its settings, its soundfont stack in
// priority order and its named channel presets including "(default)".
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chenyanchen/synthorch"
)

type File struct {
	Engines []Engine `yaml:"engines"`
}

type Engine struct {
	Name     string             `yaml:"name"`
	Settings synthorch.Settings `yaml:"settings"`
	// Soundfonts is the stack in priority order, position 0 first.
	Soundfonts    []Soundfont `yaml:"soundfonts,omitempty"`
	Presets       []Preset    `yaml:"presets,omitempty"`
	DefaultPreset string      `yaml:"defaultPreset,omitempty"`
}

// UnmarshalYAML fills settings missing from the document with defaults.
func (e *Engine) UnmarshalYAML(node *yaml.Node) error {
	type plain Engine
	p := plain{Settings: synthorch.DefaultSettings()}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = Engine(p)
	return nil
}

type Soundfont struct {
	Path       string `yaml:"path"`
	BankOffset int    `yaml:"bankOffset,omitempty"`
}

type Preset struct {
	Name     string                        `yaml:"name"`
	Channels []synthorch.ChannelAssignment `yaml:"channels"`
}

// Load reads a configuration file.
func Load(path string) (File, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	f, err := Parse(payload)
	if err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func Parse(payload []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(payload, &f); err != nil {
		return File{}, err
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks engine names and settings.
func (f File) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(f.Engines))
	for i, e := range f.Engines {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("engine #%d: name is empty", i))
			continue
		}
		if _, dup := seen[e.Name]; dup {
			errs = append(errs, synthorch.DuplicateEngineNameError{Name: e.Name})
		}
		seen[e.Name] = struct{}{}
		eff, _ := e.Settings.Effective()
		if err := eff.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("engine %s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Save writes f to path.
func Save(path string, f File) error {
	payload, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Capture records every engine of m in creation order. Settings waiting for
// a restart are recorded instead of the active ones.
func Capture(m *synthorch.Manager) File {
	var f File
	for _, info := range m.Engines() {
		in, err := m.Instance(info.ID)
		if err != nil {
			continue
		}
		f.Engines = append(f.Engines, CaptureEngine(in))
	}
	return f
}

func CaptureEngine(in *synthorch.Instance) Engine {
	settings := in.Settings()
	if pending, ok := in.Pending(); ok {
		settings = pending
	}
	rec := Engine{
		Name:          in.Name(),
		Settings:      settings,
		DefaultPreset: in.DefaultPreset(),
	}
	for _, e := range in.Soundfonts() {
		rec.Soundfonts = append(rec.Soundfonts, Soundfont{Path: e.Path, BankOffset: e.BankOffset})
	}
	for _, name := range in.Presets() {
		channels, _ := in.PresetSnapshot(name)
		rec.Presets = append(rec.Presets, Preset{Name: name, Channels: channels})
	}
	return rec
}

// Restore creates the engines of f in m, stopped. Soundfonts and presets
// that cannot be restored are returned as warnings; the engine is kept.
func Restore(m *synthorch.Manager, f File) ([]synthorch.EngineID, []error, error) {
	var (
		ids      []synthorch.EngineID
		warnings []error
	)
	for _, rec := range f.Engines {
		id, w, err := RestoreEngine(m, rec)
		if err != nil {
			return ids, warnings, err
		}
		ids = append(ids, id)
		warnings = append(warnings, w...)
	}
	return ids, warnings, nil
}

func RestoreEngine(m *synthorch.Manager, rec Engine) (synthorch.EngineID, []error, error) {
	id, err := m.CreateEngine(rec.Name, rec.Settings)
	if err != nil {
		return id, nil, fmt.Errorf("restore engine %s: %w", rec.Name, err)
	}
	in, err := m.Instance(id)
	if err != nil {
		return id, nil, err
	}

	var warnings []error
	// Loading bottom-up leaves the first record on top of the stack.
	for i := len(rec.Soundfonts) - 1; i >= 0; i-- {
		sf := rec.Soundfonts[i]
		if _, err := in.LoadSoundfontWithOffset(sf.Path, sf.BankOffset, true); err != nil {
			warnings = append(warnings, fmt.Errorf("engine %s: %w", rec.Name, err))
		}
	}
	for _, p := range rec.Presets {
		if err := in.ImportPreset(p.Name, p.Channels); err != nil {
			warnings = append(warnings, fmt.Errorf("engine %s: %w", rec.Name, err))
		}
	}
	if err := in.SetDefaultPreset(rec.DefaultPreset); err != nil {
		warnings = append(warnings, fmt.Errorf("engine %s: %w", rec.Name, err))
	}
	return id, warnings, nil
}
