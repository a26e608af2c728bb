//go:build linux

package encode

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskstream/internal/types"
)

func TestArgs(t *testing.T) {
	s := Settings{Width: 1280, Height: 720, FPS: 60, Bitrate: 4 * 1280 * 720, KeyframeInterval: time.Second}

	args := strings.Join(Args("libx264", s), " ")
	assert.Contains(t, args, "-video_size 1280x720")
	assert.Contains(t, args, "-g 60 -bf 0")
	assert.Contains(t, args, "-b:v 3686400")
	assert.Contains(t, args, "-profile:v high")
	assert.Contains(t, args, "h264_metadata=aud=insert")
	assert.True(t, strings.HasSuffix(args, "-f h264 pipe:1"))

	nv := strings.Join(Args("h264_nvenc", s), " ")
	assert.Contains(t, nv, "-tune ull")
	assert.Contains(t, nv, "-coder cabac")
}

// stubFFmpeg writes a shell script that records its arguments, one line
// per start, and swallows stdin.
func stubFFmpeg(t *testing.T) (bin, log string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "ffmpeg")
	log = filepath.Join(dir, "starts.log")
	script := "#!/bin/sh\necho \"$*\" >> " + log + "\nexec cat > /dev/null\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, log
}

func starts(t *testing.T, log string) []string {
	t.Helper()
	b, err := os.ReadFile(log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func newStubSession(t *testing.T, bin string) Session {
	t.Helper()
	s := Settings{Width: 16, Height: 16, FPS: 60, Bitrate: 1_000_000, KeyframeInterval: time.Second}
	sess, err := NewFFmpegFactory(bin, "libx264")(s, func(Sample) {})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestFFmpegForcedKeyframeInsideRateLimitIsKept(t *testing.T) {
	bin, log := stubFFmpeg(t)
	sess := newStubSession(t, bin)
	f := &types.Frame{Data: make([]byte, 16*16*4), Width: 16, Height: 16, Stride: 64}

	require.NoError(t, sess.Encode(f, true))
	require.Eventually(t, func() bool { return len(starts(t, log)) == 2 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, sess.Encode(f, true))

	// No further frame is submitted; the pending request is retried.
	require.Eventually(t, func() bool { return len(starts(t, log)) == 3 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Len(t, starts(t, log), 3)
}

func TestFFmpegKeyframeIntervalRestoredAfterHold(t *testing.T) {
	bin, log := stubFFmpeg(t)
	sess := newStubSession(t, bin)
	f := &types.Frame{Data: make([]byte, 16*16*4), Width: 16, Height: 16, Stride: 64}

	require.NoError(t, sess.SetKeyframeInterval(250*time.Millisecond))
	require.NoError(t, sess.Encode(f, true))
	require.Eventually(t, func() bool { return len(starts(t, log)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, starts(t, log)[1], "-g 15 ")

	require.NoError(t, sess.SetKeyframeInterval(time.Second))
	require.NoError(t, sess.Encode(f, false))
	require.Eventually(t, func() bool { return len(starts(t, log)) == 3 }, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, starts(t, log)[2], "-g 60 ")
}
