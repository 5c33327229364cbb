package synthorch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Driver kinds known to a DriverBinding.
const (
	KindAudio  = "audio"
	KindMidi   = "midi"
	KindRouter = "router"
)

// DefaultRouter is the driver name of the built-in MIDI router.
const DefaultRouter = "default"

// Env is what a driver definition gets to attach to.
type Env struct {
	Engine   string
	Settings Settings
	Synth    Synth
	// Sink is where a MIDI driver delivers input: the router when one is
	// running, the engine otherwise. Nil for audio drivers.
	Sink   MidiSink
	Logger *slog.Logger
}

// Definition describes the build lifecycle of one (kind, driver).
//
// Decode converts raw options into Opt. Defaults to JSON decoding.
// Build constructs the driver and must be provided.
// Close is an optional shutdown hook. If omitted, io.Closer is used when possible.
// Check optionally reports, before a restart, whether the driver could be
// built with the given settings.
type Definition[Opt any, Out any] struct {
	Decode func(raw json.RawMessage) (Opt, error)
	Build  func(ctx context.Context, env Env, opt Opt) (Out, error)
	Close  func(ctx context.Context, out Out) error
	Check  func(settings Settings) error
}

type registryKey struct {
	kind   string
	driver string
}

type compiledDefinition struct {
	decode  func(raw json.RawMessage) (any, error)
	build   func(ctx context.Context, env Env, opt any) (any, error)
	closeFn func(ctx context.Context, out any) error
	check   func(settings Settings) error
}

// Registry stores all registered driver definitions by (kind, driver).
type Registry struct {
	mu   sync.RWMutex
	defs map[registryKey]compiledDefinition
}

// NewRegistry returns a registry holding the built-in MIDI router.
func NewRegistry() *Registry {
	r := &Registry{
		defs: make(map[registryKey]compiledDefinition),
	}
	MustRegister(r, KindRouter, DefaultRouter, Definition[struct{}, Router]{
		Build: func(_ context.Context, env Env, _ struct{}) (Router, error) {
			return newMidiRouter(env), nil
		},
	})
	return r
}

// Register registers one driver definition with generics.
func Register[Opt any, Out any](r *Registry, kind string, driver string, def Definition[Opt, Out]) error {
	if r == nil {
		return fmt.Errorf("register driver definition: registry is nil")
	}
	if kind == "" {
		return fmt.Errorf("register driver definition: kind is empty")
	}
	if driver == "" {
		return fmt.Errorf("register driver definition: driver is empty")
	}
	if def.Build == nil {
		return fmt.Errorf("register driver definition: build func is nil for %s:%s", kind, driver)
	}

	decodeFn := def.Decode
	if decodeFn == nil {
		decodeFn = defaultDecode[Opt]
	}

	compiled := compiledDefinition{
		decode: func(raw json.RawMessage) (any, error) {
			opt, err := decodeFn(raw)
			if err != nil {
				return nil, err
			}
			return opt, nil
		},
		build: func(ctx context.Context, env Env, opt any) (any, error) {
			typed, ok := opt.(Opt)
			if !ok {
				return nil, fmt.Errorf("build option type mismatch: want=%T got=%T", *new(Opt), opt)
			}
			return def.Build(ctx, env, typed)
		},
		check: def.Check,
	}
	if def.Close != nil {
		compiled.closeFn = func(ctx context.Context, out any) error {
			typed, ok := out.(Out)
			if !ok {
				return fmt.Errorf("close output type mismatch: want=%T got=%T", *new(Out), out)
			}
			return def.Close(ctx, typed)
		}
	}

	k := registryKey{kind: kind, driver: driver}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[k]; exists {
		return fmt.Errorf("register driver definition: duplicate definition for %s:%s", kind, driver)
	}
	r.defs[k] = compiled
	return nil
}

// MustRegister panics on registration error; intended for bootstrap code paths.
func MustRegister[Opt any, Out any](r *Registry, kind string, driver string, def Definition[Opt, Out]) {
	if err := Register(r, kind, driver, def); err != nil {
		panic(err)
	}
}

// Drivers lists the registered driver names of one kind, sorted.
func (r *Registry) Drivers(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.defs {
		if k.kind == kind {
			out = append(out, k.driver)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) get(kind string, driver string) (compiledDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[registryKey{kind: kind, driver: driver}]
	return def, ok
}

// check asks the definition of (kind, driver) whether settings would build.
// Unknown drivers and definitions without a Check pass.
func (r *Registry) check(kind, driver string, settings Settings) error {
	def, ok := r.get(kind, driver)
	if !ok || def.check == nil {
		return nil
	}
	if err := def.check(settings); err != nil {
		return fmt.Errorf("%s driver %s: %w", kind, driver, err)
	}
	return nil
}

// build creates one driver and wraps it in an owning handle.
func (r *Registry) build(ctx context.Context, kind, driver string, env Env) (*Handle[any], error) {
	def, ok := r.get(kind, driver)
	if !ok {
		return nil, DefinitionNotFoundError{Kind: kind, Driver: driver}
	}

	var raw json.RawMessage
	if opts, ok := env.Settings.DriverOptions[driver]; ok {
		encoded, err := json.Marshal(opts)
		if err != nil {
			return nil, fmt.Errorf("encode options for %s/%s: %w", kind, driver, err)
		}
		raw = encoded
	}
	opt, err := def.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode options for %s/%s: %w", kind, driver, err)
	}

	out, err := def.build(ctx, env, opt)
	if err != nil {
		return nil, err
	}
	return NewHandle(kind, driver, out, func(ctx context.Context, v any) error {
		if def.closeFn != nil {
			return def.closeFn(ctx, v)
		}
		if closer, ok := v.(io.Closer); ok {
			return closer.Close()
		}
		return nil
	}), nil
}

func defaultDecode[Opt any](raw json.RawMessage) (Opt, error) {
	var opt Opt
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return opt, nil
	}
	if err := json.Unmarshal(raw, &opt); err != nil {
		return opt, err
	}
	return opt, nil
}
