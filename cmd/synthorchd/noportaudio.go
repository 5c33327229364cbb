//go:build !portaudio

package main

import "github.com/chenyanchen/synthorch"

func registerPortaudio(*synthorch.Registry) error { return nil }
