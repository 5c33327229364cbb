//go:build portaudio

package main

import (
	"github.com/chenyanchen/synthorch"
	"github.com/chenyanchen/synthorch/driver/portaudio"
)

func registerPortaudio(reg *synthorch.Registry) error {
	return portaudio.Register(reg)
}
