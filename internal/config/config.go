// Package config resolves engine settings from defaults, an optional
// config file, environment variables and command-line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"deskstream/internal/types"
)

// MaxPacketSizeLimit caps max_packet_size so one inbound control record
// can never make the receiver allocate more than this.
const MaxPacketSizeLimit = 16 << 20

// Config holds the resolved engine configuration.
type Config struct {
	Listen     string
	Resolution types.Resolution
	FPS        int

	BitrateFactor    int
	KeyframeInterval time.Duration
	Quality          float64

	MaxPacketSize int
	SendQueue     int
	KeepAlive     time.Duration

	DedupStep int

	PatchSize       int
	PatchAlpha      float64
	ShortInterval   time.Duration
	ShortHold       time.Duration
	KeyPollInterval time.Duration

	FFmpegPath  string
	FFmpegCodec string

	Stats    bool
	LogLevel string
}

// Defaults registers every key with its default value.
func Defaults(v *viper.Viper) {
	v.SetDefault("listen", ":7878")
	v.SetDefault("resolution", "1920x1080")
	v.SetDefault("fps", 60)

	v.SetDefault("bitrate_factor", 4)
	v.SetDefault("keyframe_interval", time.Second)
	v.SetDefault("quality", 0.8)

	v.SetDefault("max_packet_size", 1<<20)
	v.SetDefault("send_queue", 64)
	v.SetDefault("keepalive", 15*time.Second)

	v.SetDefault("dedup.step", 10)

	v.SetDefault("keyframe.patch_size", 16)
	v.SetDefault("keyframe.alpha", 0.02)
	v.SetDefault("keyframe.short_interval", 250*time.Millisecond)
	v.SetDefault("keyframe.hold", 2*time.Second)
	v.SetDefault("keyframe.poll_interval", 20*time.Millisecond)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.codec", "")

	v.SetDefault("stats", false)
	v.SetDefault("log_level", "info")
}

// New returns a viper instance with defaults, DESKSTREAM_* environment
// binding and the optional deskstream.yaml search path. An explicit file
// overrides the search.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	Defaults(v)

	v.SetEnvPrefix("DESKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("deskstream")
		v.SetConfigType("yaml")
		for _, path := range []string{".", "$HOME/.deskstream", "/etc/deskstream"} {
			v.AddConfigPath(os.ExpandEnv(path))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// Load resolves and validates a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	res, err := types.ParseResolution(v.GetString("resolution"))
	if err != nil {
		return nil, err
	}
	c := &Config{
		Listen:           v.GetString("listen"),
		Resolution:       res,
		FPS:              v.GetInt("fps"),
		BitrateFactor:    v.GetInt("bitrate_factor"),
		KeyframeInterval: v.GetDuration("keyframe_interval"),
		Quality:          v.GetFloat64("quality"),
		MaxPacketSize:    v.GetInt("max_packet_size"),
		SendQueue:        v.GetInt("send_queue"),
		KeepAlive:        v.GetDuration("keepalive"),
		DedupStep:        v.GetInt("dedup.step"),
		PatchSize:        v.GetInt("keyframe.patch_size"),
		PatchAlpha:       v.GetFloat64("keyframe.alpha"),
		ShortInterval:    v.GetDuration("keyframe.short_interval"),
		ShortHold:        v.GetDuration("keyframe.hold"),
		KeyPollInterval:  v.GetDuration("keyframe.poll_interval"),
		FFmpegPath:       v.GetString("ffmpeg.path"),
		FFmpegCodec:      v.GetString("ffmpeg.codec"),
		Stats:            v.GetBool("stats"),
		LogLevel:         v.GetString("log_level"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen address is empty")
	case c.FPS <= 0 || c.FPS > 240:
		return errors.Errorf("fps must be in 1..240, got %d", c.FPS)
	case c.BitrateFactor <= 0:
		return errors.Errorf("bitrate_factor must be > 0, got %d", c.BitrateFactor)
	case c.KeyframeInterval <= 0:
		return errors.New("keyframe_interval must be > 0")
	case c.Quality < 0 || c.Quality > 1:
		return errors.Errorf("quality must be in 0..1, got %v", c.Quality)
	case c.MaxPacketSize <= 0 || c.MaxPacketSize > MaxPacketSizeLimit:
		return errors.Errorf("max_packet_size must be in 1..%d, got %d", MaxPacketSizeLimit, c.MaxPacketSize)
	case c.SendQueue <= 0:
		return errors.Errorf("send_queue must be > 0, got %d", c.SendQueue)
	case c.DedupStep <= 0:
		return errors.Errorf("dedup.step must be > 0, got %d", c.DedupStep)
	case c.PatchSize <= 0:
		return errors.Errorf("keyframe.patch_size must be > 0, got %d", c.PatchSize)
	case c.PatchAlpha <= 0 || c.PatchAlpha > 1:
		return errors.Errorf("keyframe.alpha must be in (0,1], got %v", c.PatchAlpha)
	case c.ShortInterval <= 0 || c.ShortInterval > c.KeyframeInterval:
		return errors.New("keyframe.short_interval must be > 0 and not exceed keyframe_interval")
	case c.KeyPollInterval <= 0:
		return errors.New("keyframe.poll_interval must be > 0")
	}
	return nil
}

// Bitrate returns the target average bitrate in bits per second.
func (c *Config) Bitrate() int {
	return c.BitrateFactor * c.Resolution.Width * c.Resolution.Height
}
