// Package synthorch supervises soundfont synthesizer engines.
//
// It offers:
// - engine instances built from declarative Settings, each with an audio driver,
//   an optional MIDI router and MIDI driver, a soundfont stack and a channel table
// - driver definitions registered by (kind, driver) with generic Definition
// - dependency-ordered start and reverse-ordered stop with owned handles
// - an ordered soundfont stack with bank offsets and (bank, program) resolution
// - classification of settings changes as live-applicable or restart-required
// - restart that replays the soundfont stack and channel presets unchanged
package synthorch
