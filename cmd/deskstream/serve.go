package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deskstream/internal/config"
	"deskstream/internal/display"
	"deskstream/internal/engine"
	"deskstream/internal/logging"
)

// serveFlags maps command-line flags to config keys.
var serveFlags = map[string]string{
	"listen":            "listen",
	"resolution":        "resolution",
	"fps":               "fps",
	"bitrate-factor":    "bitrate_factor",
	"keyframe-interval": "keyframe_interval",
	"quality":           "quality",
	"stats":             "stats",
	"log-level":         "log_level",
	"ffmpeg":            "ffmpeg.path",
	"ffmpeg-codec":      "ffmpeg.codec",
}

func newServeCmd() *cobra.Command {
	var bitrate int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Create the virtual display and stream it until interrupted",
		Example: `  # Stream a 1280x720 display on the default port
  deskstream serve --resolution 1280x720

  # Log pipeline stats every 5 seconds
  deskstream serve --stats -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logging.Setup(os.Stderr, cfg.LogLevel, verbose)
			return runServe(cmd, cfg, bitrate)
		},
	}

	defaults := viper.New()
	config.Defaults(defaults)
	flags := cmd.Flags()
	flags.String("listen", defaults.GetString("listen"), "TCP listen address")
	flags.String("resolution", defaults.GetString("resolution"), "Virtual display resolution (WIDTHxHEIGHT)")
	flags.Int("fps", defaults.GetInt("fps"), "Capture frame rate")
	flags.Int("bitrate-factor", defaults.GetInt("bitrate_factor"), "Bitrate in bits per pixel per second")
	flags.Duration("keyframe-interval", defaults.GetDuration("keyframe_interval"), "Maximum keyframe interval")
	flags.Float64("quality", defaults.GetFloat64("quality"), "Encoder quality bias (0..1)")
	flags.Bool("stats", false, "Log pipeline stats every 5 seconds")
	flags.String("log-level", defaults.GetString("log_level"), "Log level (debug, info, warn, error)")
	flags.String("ffmpeg", defaults.GetString("ffmpeg.path"), "ffmpeg binary (Linux encoder)")
	flags.String("ffmpeg-codec", "", "ffmpeg H.264 encoder (default: h264_nvenc if available, else libx264)")
	flags.IntVar(&bitrate, "bitrate", 0, "Initial bitrate hint in bits per second (overrides bitrate-factor)")

	return cmd
}

func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	v, err := config.New(configFile)
	if err != nil {
		return nil, err
	}
	for flag, key := range serveFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, errors.Wrapf(err, "bind --%s", flag)
		}
	}
	return v, nil
}

func runServe(cmd *cobra.Command, cfg *config.Config, bitrate int) error {
	log := logging.For("serve")

	backend, err := newDisplayBackend(cfg)
	if err != nil {
		return err
	}
	displays := display.NewManager(backend)
	eng := engine.New(engine.Config{
		Settings:   cfg,
		Display:    displays,
		NewSource:  newSource,
		NewEncoder: newEncoder(cfg),
		NewPoster:  newPoster,
		NewWatcher: newWatcher(cfg),
		OnConnect: func(remote net.Addr) {
			log.Infof("viewer connected from %s", remote)
		},
		OnDisconnect: func(remote net.Addr, err error) {
			log.Infof("viewer %s disconnected: %v", remote, err)
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := eng.Start(ctx, cfg.Resolution)
	if err != nil {
		return err
	}
	log.Infof("display %d ready (%s), waiting for a viewer on %s", h.ID, h.Resolution, cfg.Listen)
	log.Infof("target bitrate %d kbps", cfg.Bitrate()/1000)
	if bitrate > 0 {
		if err := eng.SetBitrateHint(bitrate); err != nil {
			log.Warnf("bitrate hint: %v", err)
		}
	}

	<-ctx.Done()
	log.Info("shutting down...")
	err = eng.Stop()
	if h, ok := displays.Active(); ok {
		log.Warnf("display %s still active after stop", h.Name)
	}
	return err
}
