package synthorch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field names one settings field for change classification.
type Field string

const (
	FieldMidiIn            Field = "midi-in"
	FieldMidiDriver        Field = "midi-driver"
	FieldMidiDevice        Field = "midi-device"
	FieldMidiChannels      Field = "midi-channels"
	FieldAudioDriver       Field = "audio-driver"
	FieldAudioDevice       Field = "audio-device"
	FieldAudioChannels     Field = "audio-channels"
	FieldAudioGroups       Field = "audio-groups"
	FieldBufferSize        Field = "buffer-size"
	FieldBufferCount       Field = "buffer-count"
	FieldSampleRate        Field = "sample-rate"
	FieldSampleFormat      Field = "sample-format"
	FieldPolyphony         Field = "polyphony"
	FieldDriverOptions     Field = "driver-options"
	FieldGain              Field = "gain"
	FieldReverbActive      Field = "reverb.active"
	FieldReverbLevel       Field = "reverb.level"
	FieldReverbWidth       Field = "reverb.width"
	FieldReverbDamp        Field = "reverb.damp"
	FieldReverbRoomSize    Field = "reverb.room-size"
	FieldChorusActive      Field = "chorus.active"
	FieldChorusType        Field = "chorus.type"
	FieldChorusStages      Field = "chorus.stages"
	FieldChorusLevel       Field = "chorus.level"
	FieldChorusSpeed       Field = "chorus.speed"
	FieldChorusDepth       Field = "chorus.depth"
	FieldBankOffsetDefault Field = "bank-offset-default"
	FieldMidiDump          Field = "midi-dump"
	FieldVerbose           Field = "verbose"
)

// Policy tells how a changed field reaches a running engine.
type Policy uint8

const (
	// RestartRequired fields only take effect by recreating engine and drivers.
	RestartRequired Policy = iota
	// LiveApplicable fields are pushed to the running engine or drivers.
	LiveApplicable
)

func (p Policy) String() string {
	if p == LiveApplicable {
		return "live"
	}
	return "restart"
}

// liveTarget is where a live-applicable change is pushed.
type liveTarget uint8

const (
	targetNone liveTarget = iota
	targetParam
	targetRouter
	targetMidiDriver
)

// Native parameter names understood by engine backends.
const (
	ParamGain           = "synth.gain"
	ParamReverbActive   = "synth.reverb.active"
	ParamReverbLevel    = "synth.reverb.level"
	ParamReverbWidth    = "synth.reverb.width"
	ParamReverbDamp     = "synth.reverb.damp"
	ParamReverbRoomSize = "synth.reverb.room-size"
	ParamChorusActive   = "synth.chorus.active"
	ParamChorusType     = "synth.chorus.type"
	ParamChorusStages   = "synth.chorus.nr"
	ParamChorusLevel    = "synth.chorus.level"
	ParamChorusSpeed    = "synth.chorus.speed"
	ParamChorusDepth    = "synth.chorus.depth"
)

type fieldRule struct {
	field  Field
	key    string // override name; empty when the field cannot be overridden
	policy Policy
	target liveTarget
	param  string
	at     func(*Settings) any // pointer to the field inside a Settings value
}

// fieldRules is the single source of truth for change classification.
// Adding a settings field means adding one row here.
var fieldRules = []fieldRule{
	{FieldMidiIn, "midi.in", RestartRequired, targetNone, "", func(s *Settings) any { return &s.MidiIn }},
	{FieldMidiDriver, "midi.driver", RestartRequired, targetNone, "", func(s *Settings) any { return &s.MidiDriver }},
	{FieldMidiDevice, "midi.device", RestartRequired, targetNone, "", func(s *Settings) any { return &s.MidiDevice }},
	{FieldMidiChannels, "synth.midi-channels", RestartRequired, targetNone, "", func(s *Settings) any { return &s.MidiChannels }},
	{FieldAudioDriver, "audio.driver", RestartRequired, targetNone, "", func(s *Settings) any { return &s.AudioDriver }},
	{FieldAudioDevice, "audio.device", RestartRequired, targetNone, "", func(s *Settings) any { return &s.AudioDevice }},
	{FieldAudioChannels, "synth.audio-channels", RestartRequired, targetNone, "", func(s *Settings) any { return &s.AudioChannels }},
	{FieldAudioGroups, "synth.audio-groups", RestartRequired, targetNone, "", func(s *Settings) any { return &s.AudioGroups }},
	{FieldBufferSize, "audio.period-size", RestartRequired, targetNone, "", func(s *Settings) any { return &s.BufferSize }},
	{FieldBufferCount, "audio.periods", RestartRequired, targetNone, "", func(s *Settings) any { return &s.BufferCount }},
	{FieldSampleRate, "synth.sample-rate", RestartRequired, targetNone, "", func(s *Settings) any { return &s.SampleRate }},
	{FieldSampleFormat, "audio.sample-format", RestartRequired, targetNone, "", func(s *Settings) any { return &s.SampleFormat }},
	{FieldPolyphony, "synth.polyphony", RestartRequired, targetNone, "", func(s *Settings) any { return &s.Polyphony }},
	{FieldDriverOptions, "", RestartRequired, targetNone, "", func(s *Settings) any { return &s.DriverOptions }},
	{FieldGain, "synth.gain", LiveApplicable, targetParam, ParamGain, func(s *Settings) any { return &s.Gain }},
	{FieldReverbActive, "synth.reverb.active", LiveApplicable, targetParam, ParamReverbActive, func(s *Settings) any { return &s.Reverb.Active }},
	{FieldReverbLevel, "synth.reverb.level", LiveApplicable, targetParam, ParamReverbLevel, func(s *Settings) any { return &s.Reverb.Level }},
	{FieldReverbWidth, "synth.reverb.width", LiveApplicable, targetParam, ParamReverbWidth, func(s *Settings) any { return &s.Reverb.Width }},
	{FieldReverbDamp, "synth.reverb.damp", LiveApplicable, targetParam, ParamReverbDamp, func(s *Settings) any { return &s.Reverb.Damp }},
	{FieldReverbRoomSize, "synth.reverb.room-size", LiveApplicable, targetParam, ParamReverbRoomSize, func(s *Settings) any { return &s.Reverb.RoomSize }},
	{FieldChorusActive, "synth.chorus.active", LiveApplicable, targetParam, ParamChorusActive, func(s *Settings) any { return &s.Chorus.Active }},
	{FieldChorusType, "synth.chorus.type", LiveApplicable, targetParam, ParamChorusType, func(s *Settings) any { return &s.Chorus.Type }},
	{FieldChorusStages, "synth.chorus.nr", LiveApplicable, targetParam, ParamChorusStages, func(s *Settings) any { return &s.Chorus.Stages }},
	{FieldChorusLevel, "synth.chorus.level", LiveApplicable, targetParam, ParamChorusLevel, func(s *Settings) any { return &s.Chorus.Level }},
	{FieldChorusSpeed, "synth.chorus.speed", LiveApplicable, targetParam, ParamChorusSpeed, func(s *Settings) any { return &s.Chorus.Speed }},
	{FieldChorusDepth, "synth.chorus.depth", LiveApplicable, targetParam, ParamChorusDepth, func(s *Settings) any { return &s.Chorus.Depth }},
	{FieldBankOffsetDefault, "synth.bank-offset-default", LiveApplicable, targetNone, "", func(s *Settings) any { return &s.BankOffsetDefault }},
	{FieldMidiDump, "midi.dump", LiveApplicable, targetRouter, "", func(s *Settings) any { return &s.MidiDump }},
	{FieldVerbose, "synth.verbose", LiveApplicable, targetMidiDriver, "", func(s *Settings) any { return &s.Verbose }},
}

// get returns a comparable view of the field's value.
func (r *fieldRule) get(s *Settings) any {
	switch p := r.at(s).(type) {
	case *bool:
		return *p
	case *int:
		return *p
	case *float64:
		return *p
	case *string:
		return *p
	case *map[string]map[string]any:
		return hashDriverOptions(*p)
	}
	return nil
}

// set parses v into the field.
func (r *fieldRule) set(s *Settings, v string) error {
	v = strings.TrimSpace(v)
	switch p := r.at(s).(type) {
	case *bool:
		b, err := ParseFlag(v)
		if err != nil {
			return err
		}
		*p = b
	case *int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
	case *float64:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p = f
	case *string:
		*p = v
	default:
		return fmt.Errorf("field %s cannot be set from text", r.field)
	}
	return nil
}

// copy assigns the field of src to dst.
func (r *fieldRule) copy(dst, src *Settings) {
	switch p := r.at(dst).(type) {
	case *bool:
		*p = *r.at(src).(*bool)
	case *int:
		*p = *r.at(src).(*int)
	case *float64:
		*p = *r.at(src).(*float64)
	case *string:
		*p = *r.at(src).(*string)
	case *map[string]map[string]any:
		*p = src.Clone().DriverOptions
	}
}

// PolicyOf returns the change policy of a field. Unknown fields are
// restart-required.
func PolicyOf(f Field) Policy {
	if rule, ok := ruleByField(f); ok {
		return rule.policy
	}
	return RestartRequired
}

// Fields lists every classified field in table order.
func Fields() []Field {
	out := make([]Field, len(fieldRules))
	for i := range fieldRules {
		out[i] = fieldRules[i].field
	}
	return out
}

// Diff returns the fields whose effective values differ between old and next,
// in classification table order.
func Diff(old, next Settings) []Field {
	oldEff, _ := old.Effective()
	nextEff, _ := next.Effective()
	var changed []Field
	for i := range fieldRules {
		rule := &fieldRules[i]
		if rule.get(&oldEff) != rule.get(&nextEff) {
			changed = append(changed, rule.field)
		}
	}
	return changed
}

func ruleByField(f Field) (*fieldRule, bool) {
	for i := range fieldRules {
		if fieldRules[i].field == f {
			return &fieldRules[i], true
		}
	}
	return nil, false
}

func ruleByKey(key string) (*fieldRule, bool) {
	if key == "" {
		return nil, false
	}
	for i := range fieldRules {
		if fieldRules[i].key == key {
			return &fieldRules[i], true
		}
	}
	return nil, false
}

// paramValue converts a rule's current value into a native parameter value.
func paramValue(v any) float64 {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}

// ParseFlag parses the on/off spellings accepted on the command line:
// 1|0, yes|no, on|off, true|false.
func ParseFlag(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "on", "true":
		return true, nil
	case "0", "no", "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("not a flag value: %q", v)
}

func hashDriverOptions(opts map[string]map[string]any) string {
	if len(opts) == 0 {
		return ""
	}
	drivers := make([]string, 0, len(opts))
	for d := range opts {
		drivers = append(drivers, d)
	}
	sort.Strings(drivers)

	var b strings.Builder
	for _, d := range drivers {
		raw, err := json.Marshal(opts[d])
		if err != nil {
			// Unmarshalable options never compare equal to anything else.
			raw = []byte(fmt.Sprintf("%#v", opts[d]))
		}
		b.WriteString(d)
		b.WriteByte('\n')
		b.Write(normalizeJSON(raw))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeJSON(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null")
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return trimmed
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return normalized
}
