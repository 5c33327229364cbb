package synthorch

import (
	"errors"
	"fmt"
)

// DefinitionNotFoundError means a (kind, driver) definition is not registered.
type DefinitionNotFoundError struct {
	Kind   string
	Driver string
}

func (e DefinitionNotFoundError) Error() string {
	return fmt.Sprintf("driver definition not found: kind=%q driver=%q", e.Kind, e.Driver)
}

// DriverCreationFailedError means a mandatory resource (the engine itself or
// its audio driver) could not be created. The instance stays Stopped.
type DriverCreationFailedError struct {
	Kind   string
	Driver string
	Err    error
}

func (e DriverCreationFailedError) Error() string {
	return fmt.Sprintf("create %s driver %q: %v", e.Kind, e.Driver, e.Err)
}

func (e DriverCreationFailedError) Unwrap() error { return e.Err }

// OptionalDriverError means the MIDI router or MIDI driver could not be
// created. The engine keeps running with MIDI input disabled.
type OptionalDriverError struct {
	Kind   string
	Driver string
	Err    error
}

func (e OptionalDriverError) Error() string {
	return fmt.Sprintf("optional %s driver %q disabled: %v", e.Kind, e.Driver, e.Err)
}

func (e OptionalDriverError) Unwrap() error { return e.Err }

// SoundfontInvalidError means a soundfont file could not be loaded.
type SoundfontInvalidError struct {
	Path string
	Err  error
}

func (e SoundfontInvalidError) Error() string {
	return fmt.Sprintf("invalid soundfont %q: %v", e.Path, e.Err)
}

func (e SoundfontInvalidError) Unwrap() error { return e.Err }

// SoundfontDuplicateError is advisory: the path is already on the stack.
// Loading again with force creates a second, independent entry.
type SoundfontDuplicateError struct {
	Path     string
	Existing SoundfontID
}

func (e SoundfontDuplicateError) Error() string {
	return fmt.Sprintf("soundfont %q already loaded as #%d", e.Path, e.Existing)
}

// SoundfontNotLoadedError means the soundfont id is not on the stack.
type SoundfontNotLoadedError struct {
	ID SoundfontID
}

func (e SoundfontNotLoadedError) Error() string {
	return fmt.Sprintf("soundfont #%d not loaded", e.ID)
}

// ChannelOutOfRangeError means a MIDI channel outside 0..Channels-1.
type ChannelOutOfRangeError struct {
	Channel  int
	Channels int
}

func (e ChannelOutOfRangeError) Error() string {
	return fmt.Sprintf("midi channel %d out of range [0, %d)", e.Channel, e.Channels)
}

// ProgramNotFoundError means no soundfont on the stack defines the preset;
// the engine falls back to its own default preset.
type ProgramNotFoundError struct {
	Channel int
	Bank    int
	Program int
}

func (e ProgramNotFoundError) Error() string {
	return fmt.Sprintf("channel %d: no soundfont defines bank %d program %d", e.Channel, e.Bank, e.Program)
}

// PresetNotFoundError means the named channel preset does not exist.
type PresetNotFoundError struct {
	Name string
}

func (e PresetNotFoundError) Error() string {
	return fmt.Sprintf("channel preset %q not found", e.Name)
}

// ReservedPresetNameError means an operation on the reserved "(default)" preset.
type ReservedPresetNameError struct {
	Name string
}

func (e ReservedPresetNameError) Error() string {
	return fmt.Sprintf("channel preset name %q is reserved", e.Name)
}

// DuplicateEngineNameError means the engine name is already taken.
type DuplicateEngineNameError struct {
	Name string
}

func (e DuplicateEngineNameError) Error() string {
	return fmt.Sprintf("duplicate engine name: %q", e.Name)
}

// EngineNotFoundError means no engine is registered under the id.
type EngineNotFoundError struct {
	ID EngineID
}

func (e EngineNotFoundError) Error() string {
	return fmt.Sprintf("engine not found: %s", e.ID)
}

// UnknownFieldError means a settings override key is not recognised.
type UnknownFieldError struct {
	Key string
}

func (e UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown settings field %q ignored", e.Key)
}

// InvalidValueError means a settings override value could not be parsed.
type InvalidValueError struct {
	Key   string
	Value string
	Err   error
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("settings field %q: invalid value %q: %v", e.Key, e.Value, e.Err)
}

func (e InvalidValueError) Unwrap() error { return e.Err }

// InvalidTransitionError means a lifecycle transition outside the state machine.
type InvalidTransitionError struct {
	From LifecycleState
	To   LifecycleState
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

// IsFatal reports whether err stopped an engine from running at all, as
// opposed to a degraded start or a per-operation failure.
func IsFatal(err error) bool {
	var created DriverCreationFailedError
	return errors.As(err, &created)
}
