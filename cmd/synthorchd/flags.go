package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/chenyanchen/synthorch"
)

// overrides collects repeated -o name=value flags.
type overrides map[string]string

func (o overrides) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (o overrides) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("want name=value, got %q", s)
	}
	o[name] = strings.TrimSpace(value)
	return nil
}

// onOff is a flag taking the on/off spellings of ParseFlag.
type onOff struct{ v *bool }

func (f onOff) String() string {
	if f.v == nil {
		return ""
	}
	return strconv.FormatBool(*f.v)
}

func (f onOff) Set(s string) error {
	b, err := synthorch.ParseFlag(s)
	if err != nil {
		return err
	}
	*f.v = b
	return nil
}

type options struct {
	name        string
	configPath  string
	savePath    string
	debug       bool
	autoRestart bool
	graph       bool
	listMidi    bool
	settings    synthorch.Settings
}

// parseFlags reads fluidsynth style flags into settings based on the
// defaults. Positional arguments are soundfont files.
func parseFlags(fs *flag.FlagSet, args []string) (options, []string, error) {
	opts := options{settings: synthorch.DefaultSettings()}
	s := &opts.settings
	noMidi := false
	ov := overrides{}

	fs.StringVar(&opts.name, "name", "synthorch", "engine name")
	fs.StringVar(&opts.configPath, "config", "", "path to yaml config; SIGHUP reloads it")
	fs.StringVar(&opts.savePath, "save", "", "write the configuration to this path on exit")
	fs.BoolVar(&opts.debug, "debug", false, "debug logging")
	fs.BoolVar(&opts.autoRestart, "auto-restart", false, "restart engines on reload when settings require it")
	fs.BoolVar(&opts.graph, "graph", false, "print each engine's resource graph after start")
	fs.BoolVar(&opts.listMidi, "list-midi", false, "list midi input ports and exit")

	fs.BoolVar(&noMidi, "n", false, "don't create a midi driver to read midi input events")
	fs.StringVar(&s.MidiDriver, "m", s.MidiDriver, "midi driver")
	fs.IntVar(&s.MidiChannels, "K", s.MidiChannels, "number of midi channels")
	fs.StringVar(&s.AudioDriver, "a", s.AudioDriver, "audio driver")
	fs.IntVar(&s.AudioChannels, "L", s.AudioChannels, "number of stereo audio channels")
	fs.IntVar(&s.AudioGroups, "G", s.AudioGroups, "number of audio groups")
	fs.IntVar(&s.BufferSize, "z", s.BufferSize, "audio buffer size")
	fs.IntVar(&s.BufferCount, "c", s.BufferCount, "number of audio buffers")
	fs.Float64Var(&s.SampleRate, "r", s.SampleRate, "sample rate")
	fs.Var(onOff{&s.Reverb.Active}, "R", "turn reverb on or off [0|1|yes|no|on|off]")
	fs.Var(onOff{&s.Chorus.Active}, "C", "turn chorus on or off [0|1|yes|no|on|off]")
	fs.Float64Var(&s.Gain, "g", s.Gain, "master gain [0 < gain < 10]")
	fs.Var(ov, "o", "define a setting, -o name=value (repeatable)")
	fs.BoolVar(&s.MidiDump, "d", false, "dump incoming and outgoing midi events")
	fs.BoolVar(&s.Verbose, "v", false, "print out verbose messages about midi events")

	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	s.MidiIn = !noMidi
	if len(ov) > 0 {
		s.Overrides = ov
	}
	return opts, fs.Args(), nil
}
