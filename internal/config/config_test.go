package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	Defaults(v)

	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":7878", c.Listen)
	assert.Equal(t, 1920, c.Resolution.Width)
	assert.Equal(t, 1080, c.Resolution.Height)
	assert.Equal(t, 60, c.FPS)
	assert.Equal(t, time.Second, c.KeyframeInterval)
	assert.InDelta(t, 0.8, c.Quality, 1e-9)
	assert.Equal(t, 1<<20, c.MaxPacketSize)
	assert.Equal(t, 10, c.DedupStep)
	assert.Equal(t, 4*1920*1080, c.Bitrate())
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"zero fps", "fps", 0},
		{"odd resolution", "resolution", "1921x1080"},
		{"garbage resolution", "resolution", "big"},
		{"quality above one", "quality", 1.5},
		{"zero dedup step", "dedup.step", 0},
		{"alpha zero", "keyframe.alpha", 0.0},
		{"short interval longer than max", "keyframe.short_interval", 5 * time.Second},
		{"empty queue", "send_queue", 0},
		{"zero packet size", "max_packet_size", 0},
		{"packet size above limit", "max_packet_size", MaxPacketSizeLimit + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			Defaults(v)
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}

func TestPacketSizeAtLimitAccepted(t *testing.T) {
	v := viper.New()
	Defaults(v)
	v.Set("max_packet_size", MaxPacketSizeLimit)
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, MaxPacketSizeLimit, c.MaxPacketSize)
}

func TestNewReadsExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deskstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9000\nfps: 30\nkeyframe:\n  patch_size: 8\n"), 0o644))

	v, err := New(path)
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", c.Listen)
	assert.Equal(t, 30, c.FPS)
	assert.Equal(t, 8, c.PatchSize)
}

func TestNewMissingExplicitFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("DESKSTREAM_FPS", "24")
	t.Setenv("DESKSTREAM_KEYFRAME_PATCH_SIZE", "4")

	v, err := New("")
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 24, c.FPS)
	assert.Equal(t, 4, c.PatchSize)
}
