package synthorch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// EngineID is the unique identifier of an engine instance within a Manager.
// It stays the same across restarts and renames.
type EngineID = uuid.UUID

// SoundfontID identifies one entry of a SoundfontStack. It is unique within
// the stack while the entry is loaded and survives engine restarts.
type SoundfontID int

// NativeID is the soundfont identifier issued by an engine backend. It is only
// meaningful for the engine that issued it.
type NativeID int

// LifecycleState is the run state of an engine instance.
type LifecycleState uint8

const (
	Stopped LifecycleState = iota
	AudioStarting
	AudioRunning
	MidiStarting
	FullyRunning
)

func (s LifecycleState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case AudioStarting:
		return "audio-starting"
	case AudioRunning:
		return "audio-running"
	case MidiStarting:
		return "midi-starting"
	case FullyRunning:
		return "fully-running"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Running reports whether the engine and its audio driver exist.
func (s LifecycleState) Running() bool {
	return s == AudioRunning || s == MidiStarting || s == FullyRunning
}

// ReverbSettings holds the reverb effect parameters.
type ReverbSettings struct {
	Active   bool    `json:"active" yaml:"active"`
	Level    float64 `json:"level" yaml:"level"`
	Width    float64 `json:"width" yaml:"width"`
	Damp     float64 `json:"damp" yaml:"damp"`
	RoomSize float64 `json:"roomSize" yaml:"roomSize"`
}

// ChorusSettings holds the chorus effect parameters.
type ChorusSettings struct {
	Active bool    `json:"active" yaml:"active"`
	Type   int     `json:"type" yaml:"type"`
	Stages int     `json:"stages" yaml:"stages"`
	Level  float64 `json:"level" yaml:"level"`
	Speed  float64 `json:"speed" yaml:"speed"`
	Depth  float64 `json:"depth" yaml:"depth"`
}

// Settings is the declarative configuration of one engine instance.
//
// A Settings value is captured when an instance starts and is never mutated
// in place afterwards; applying new settings replaces the whole value.
type Settings struct {
	MidiIn       bool   `json:"midiIn" yaml:"midiIn"`
	MidiDriver   string `json:"midiDriver" yaml:"midiDriver"`
	MidiDevice   string `json:"midiDevice,omitempty" yaml:"midiDevice,omitempty"`
	MidiChannels int    `json:"midiChannels" yaml:"midiChannels"`

	AudioDriver   string  `json:"audioDriver" yaml:"audioDriver"`
	AudioDevice   string  `json:"audioDevice,omitempty" yaml:"audioDevice,omitempty"`
	AudioChannels int     `json:"audioChannels" yaml:"audioChannels"`
	AudioGroups   int     `json:"audioGroups" yaml:"audioGroups"`
	BufferSize    int     `json:"bufferSize" yaml:"bufferSize"`
	BufferCount   int     `json:"bufferCount" yaml:"bufferCount"`
	SampleRate    float64 `json:"sampleRate" yaml:"sampleRate"`
	SampleFormat  string  `json:"sampleFormat" yaml:"sampleFormat"`

	Polyphony int            `json:"polyphony" yaml:"polyphony"`
	Gain      float64        `json:"gain" yaml:"gain"`
	Reverb    ReverbSettings `json:"reverb" yaml:"reverb"`
	Chorus    ChorusSettings `json:"chorus" yaml:"chorus"`

	BankOffsetDefault int  `json:"bankOffsetDefault" yaml:"bankOffsetDefault"`
	MidiDump          bool `json:"midiDump" yaml:"midiDump"`
	Verbose           bool `json:"verbose" yaml:"verbose"`

	// DriverOptions carries driver specific options keyed by driver name.
	DriverOptions map[string]map[string]any `json:"driverOptions,omitempty" yaml:"driverOptions,omitempty"`
	// Overrides are name=value settings applied on top of the typed fields.
	Overrides map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Sample formats accepted by SampleFormat.
const (
	SampleFormat16Bits = "16bits"
	SampleFormatFloat  = "float"
)

// DefaultSettings returns the settings a freshly configured engine starts with.
func DefaultSettings() Settings {
	return Settings{
		MidiIn:        true,
		MidiDriver:    "gomidi",
		MidiChannels:  16,
		AudioDriver:   "oto",
		AudioChannels: 1,
		AudioGroups:   1,
		BufferSize:    64,
		BufferCount:   2,
		SampleRate:    44100,
		SampleFormat:  SampleFormat16Bits,
		Polyphony:     256,
		Gain:          1.0,
		Reverb: ReverbSettings{
			Active:   true,
			Level:    0.9,
			Width:    0.5,
			Damp:     0.0,
			RoomSize: 0.2,
		},
		Chorus: ChorusSettings{
			Active: true,
			Type:   0,
			Stages: 3,
			Level:  2.0,
			Speed:  0.3,
			Depth:  8.0,
		},
	}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := s
	if s.Overrides != nil {
		out.Overrides = make(map[string]string, len(s.Overrides))
		for k, v := range s.Overrides {
			out.Overrides[k] = v
		}
	}
	if s.DriverOptions != nil {
		out.DriverOptions = make(map[string]map[string]any, len(s.DriverOptions))
		for driver, opts := range s.DriverOptions {
			cp := make(map[string]any, len(opts))
			for k, v := range opts {
				cp[k] = v
			}
			out.DriverOptions[driver] = cp
		}
	}
	return out
}

// Effective returns s with its Overrides applied to the typed fields.
// Unknown override keys and unparsable values are reported as warnings
// and skipped; they never fail the whole settings value.
func (s Settings) Effective() (Settings, []error) {
	out := s.Clone()
	if len(s.Overrides) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(s.Overrides))
	for k := range s.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []error
	for _, key := range keys {
		rule, ok := ruleByKey(key)
		if !ok {
			warnings = append(warnings, UnknownFieldError{Key: key})
			continue
		}
		value := s.Overrides[key]
		if err := rule.set(&out, value); err != nil {
			warnings = append(warnings, InvalidValueError{Key: key, Value: value, Err: err})
		}
	}
	return out, warnings
}

// Validate reports settings an engine can never be created with.
func (s Settings) Validate() error {
	var errs []error
	if s.AudioDriver == "" {
		errs = append(errs, errors.New("audio driver is empty"))
	}
	if s.MidiIn && s.MidiDriver == "" {
		errs = append(errs, errors.New("midi input enabled but midi driver is empty"))
	}
	if s.MidiChannels < 16 || s.MidiChannels > 256 || s.MidiChannels%16 != 0 {
		errs = append(errs, fmt.Errorf("midi channels must be a multiple of 16 in [16, 256], got %d", s.MidiChannels))
	}
	if s.AudioChannels < 1 {
		errs = append(errs, fmt.Errorf("audio channels must be positive, got %d", s.AudioChannels))
	}
	if s.AudioGroups < 1 {
		errs = append(errs, fmt.Errorf("audio groups must be positive, got %d", s.AudioGroups))
	}
	if s.BufferSize < 1 || s.BufferCount < 1 {
		errs = append(errs, fmt.Errorf("buffer geometry must be positive, got %dx%d", s.BufferSize, s.BufferCount))
	}
	if s.SampleRate < 8000 || s.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("sample rate out of range: %g", s.SampleRate))
	}
	if s.SampleFormat != SampleFormat16Bits && s.SampleFormat != SampleFormatFloat {
		errs = append(errs, fmt.Errorf("unsupported sample format %q", s.SampleFormat))
	}
	if s.Polyphony < 1 {
		errs = append(errs, fmt.Errorf("polyphony must be positive, got %d", s.Polyphony))
	}
	if s.Gain < 0 || s.Gain > 10 {
		errs = append(errs, fmt.Errorf("gain must be within [0, 10], got %g", s.Gain))
	}
	if s.BankOffsetDefault < 0 {
		errs = append(errs, fmt.Errorf("default bank offset must not be negative, got %d", s.BankOffsetDefault))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
}
