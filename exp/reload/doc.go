// Package reload provides experimental configuration hot-reload for synthorch.
//
// Reconciler is the core type and performs:
// 1. diff a new configuration file against the last applied one
// 2. destroy engines that disappeared
// 3. update changed engines in place (soundfonts, presets, live settings)
// 4. hold or apply restarts for restart-required settings
// 5. create engines that appeared
//
// This package is EXPERIMENTAL and its API may change before v1.
package reload
