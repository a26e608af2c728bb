//go:build darwin

package main

import (
	"deskstream/internal/capture"
	"deskstream/internal/config"
	"deskstream/internal/display"
	"deskstream/internal/encode"
	"deskstream/internal/engine"
	"deskstream/internal/input"
	"deskstream/internal/keyframe"
	"deskstream/internal/types"
)

func newDisplayBackend(cfg *config.Config) (display.Backend, error) {
	return display.NewVirtual(float64(cfg.FPS)), nil
}

func newSource(types.DisplayHandle) (types.FrameSource, error) {
	return capture.NewSource(capture.NewSCK()), nil
}

func newEncoder(*config.Config) encode.SessionFactory {
	return encode.NewVideoToolbox
}

func newPoster(types.DisplayHandle) (types.EventPoster, error) {
	return input.NewCGEvent(), nil
}

func newWatcher(cfg *config.Config) engine.WatcherFactory {
	return func(h types.DisplayHandle) (types.KeyWatcher, error) {
		return keyframe.NewWatcher(h.Name, cfg.KeyPollInterval), nil
	}
}
