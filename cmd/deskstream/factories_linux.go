//go:build linux

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

func newDisplayBackend(*config.Config) (display.Backend, error) {
	return display.NewXvfb(""), nil
}

func newSource(types.DisplayHandle) (types.FrameSource, error) {
	return capture.NewSource(capture.NewX11()), nil
}

func newEncoder(cfg *config.Config) encode.SessionFactory {
	return encode.NewFFmpegFactory(cfg.FFmpegPath, cfg.FFmpegCodec)
}

func newPoster(h types.DisplayHandle) (types.EventPoster, error) {
	p, err := input.NewXTest(h.Name)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newWatcher(cfg *config.Config) engine.WatcherFactory {
	return func(h types.DisplayHandle) (types.KeyWatcher, error) {
		return keyframe.NewWatcher(h.Name, cfg.KeyPollInterval), nil
	}
}
