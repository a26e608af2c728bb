//go:build linux

package encode

import (
	"bytes"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"deskstream/internal/logging"
	"deskstream/internal/types"
)

var ErrBusy = errors.New("encode: encoder busy, frame dropped")

// FFmpeg runs an ffmpeg subprocess fed raw BGRA on stdin and parses its
// Annex-B output. h264_nvenc is used when available, libx264 otherwise.
// The subprocess cannot take per-frame keyframe requests, so a forced
// keyframe or a settings change restarts it. Restarts are rate limited; a
// request that arrives inside the limit stays pending until the next one
// is allowed.
type FFmpeg struct {
	path     string
	codec    string
	settings Settings
	out      func(Sample)
	log      *logrus.Entry

	frames  chan ffFrame
	wg      sync.WaitGroup
	restart *rate.Limiter
	dirty   atomic.Bool
	force   atomic.Bool

	mu     sync.Mutex
	closed bool
}

type ffFrame struct {
	data  []byte
	force bool
}

type ffProc struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   io.Closer
	readDone chan struct{}
}

// NewFFmpegFactory returns a SessionFactory using the ffmpeg binary at
// path. An empty codec selects h264_nvenc if ffmpeg lists it.
func NewFFmpegFactory(path, codec string) SessionFactory {
	return func(s Settings, out func(Sample)) (Session, error) {
		if path == "" {
			path = "ffmpeg"
		}
		if _, err := exec.LookPath(path); err != nil {
			return nil, errors.Wrap(err, "ffmpeg not found")
		}
		if codec == "" {
			codec = detectCodec(path)
		}
		f := &FFmpeg{
			path:     path,
			codec:    codec,
			settings: s,
			out:      out,
			log:      logging.For("ffmpeg"),
			frames:   make(chan ffFrame, 2),
			restart:  rate.NewLimiter(rate.Every(time.Second), 1),
		}
		proc, err := f.start()
		if err != nil {
			return nil, err
		}
		f.wg.Add(1)
		go f.writeLoop(proc)
		return f, nil
	}
}

func detectCodec(path string) string {
	out, err := exec.Command(path, "-hide_banner", "-encoders").Output()
	if err == nil && bytes.Contains(out, []byte("h264_nvenc")) {
		return "h264_nvenc"
	}
	return "libx264"
}

func (f *FFmpeg) Name() string { return "ffmpeg " + f.codec }

// Args builds the ffmpeg command line for s.
func Args(codec string, s Settings) []string {
	gop := strconv.Itoa(s.KeyframeFrames())
	br := strconv.Itoa(s.Bitrate)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "bgra",
		"-video_size", strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height),
		"-framerate", strconv.Itoa(s.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", codec,
	}
	switch codec {
	case "h264_nvenc":
		args = append(args,
			"-preset", "p1", "-tune", "ull", "-rc", "cbr", "-zerolatency", "1",
			"-profile:v", "high", "-coder", "cabac")
	default:
		args = append(args,
			"-preset", "superfast", "-tune", "zerolatency",
			"-profile:v", "high", "-coder", "1", "-sc_threshold", "0")
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-g", gop, "-bf", "0",
		"-b:v", br, "-maxrate", br, "-bufsize", br,
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264", "pipe:1",
	)
	return args
}

func (f *FFmpeg) start() (*ffProc, error) {
	f.mu.Lock()
	settings := f.settings
	f.mu.Unlock()

	cmd := exec.Command(f.path, Args(f.codec, settings)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout")
	}
	stderr := f.log.WriterLevel(logrus.WarnLevel)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stderr.Close()
		return nil, errors.Wrap(err, "start ffmpeg")
	}
	p := &ffProc{cmd: cmd, stdin: stdin, stderr: stderr, readDone: make(chan struct{})}
	frameDur := time.Second / time.Duration(max(1, settings.FPS))
	go func() {
		defer close(p.readDone)
		if err := ReadAccessUnits(stdout, frameDur, f.out); err != nil {
			f.log.Debugf("output reader: %v", err)
		}
	}()
	f.log.Debugf("started %s (pid %d)", f.codec, cmd.Process.Pid)
	return p, nil
}

// stop closes stdin so ffmpeg flushes, then waits for the reader to drain.
func (p *ffProc) stop() {
	p.stdin.Close()
	<-p.readDone
	p.cmd.Wait()
	p.stderr.Close()
}

// restartRetry is how often a rate-limited restart is retried while no new
// frame arrives. The last frame is resubmitted to the new process so a
// static screen still yields the keyframe.
const restartRetry = 100 * time.Millisecond

func (f *FFmpeg) writeLoop(proc *ffProc) {
	defer f.wg.Done()
	retry := time.NewTimer(restartRetry)
	retry.Stop()
	defer retry.Stop()

	var last []byte
	for {
		var (
			data []byte
			tick bool
		)
		select {
		case fr, ok := <-f.frames:
			if !ok {
				if proc != nil {
					proc.stop()
				}
				return
			}
			if fr.force {
				f.force.Store(true)
			}
			data, last = fr.data, fr.data
		case <-retry.C:
			if last == nil {
				continue
			}
			data, tick = last, true
		}

		pending := proc == nil || f.force.Load() || f.dirty.Load()
		if tick && !pending {
			continue
		}
		if pending {
			if proc != nil && !f.restart.Allow() {
				retry.Reset(restartRetry)
				if tick {
					// the running process already has this frame
					continue
				}
			} else {
				var err error
				if proc, err = f.restartProc(proc); err != nil {
					f.log.Warnf("restart: %v", err)
					continue
				}
			}
		}
		if _, err := proc.stdin.Write(data); err != nil {
			f.log.Warnf("write frame: %v", err)
			proc.stop()
			proc = nil
		}
	}
}

// restartProc replaces old with a process using the current settings. The
// pending flags are cleared first so a change made during start is kept.
func (f *FFmpeg) restartProc(old *ffProc) (*ffProc, error) {
	if old != nil {
		old.stop()
	}
	force, dirty := f.force.Swap(false), f.dirty.Swap(false)
	p, err := f.start()
	if err != nil {
		if force {
			f.force.Store(true)
		}
		if dirty {
			f.dirty.Store(true)
		}
		return nil, err
	}
	return p, nil
}

// Encode copies f into a tightly packed buffer and hands it to the writer
// goroutine. A busy writer drops the frame instead of blocking capture.
func (f *FFmpeg) Encode(fr *types.Frame, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if fr.Width != f.settings.Width || fr.Height != f.settings.Height {
		return errors.Errorf("frame %dx%d does not match session %dx%d",
			fr.Width, fr.Height, f.settings.Width, f.settings.Height)
	}
	row := fr.Width * 4
	if fr.Stride < row || len(fr.Data) < fr.Stride*(fr.Height-1)+row {
		return errors.Errorf("frame buffer too small")
	}
	data := make([]byte, row*fr.Height)
	for y := 0; y < fr.Height; y++ {
		copy(data[y*row:(y+1)*row], fr.Data[y*fr.Stride:])
	}
	select {
	case f.frames <- ffFrame{data: data, force: force}:
		return nil
	default:
		return ErrBusy
	}
}

func (f *FFmpeg) SetBitrate(bps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.settings.Bitrate = bps
	f.dirty.Store(true)
	return nil
}

// SetKeyframeInterval marks the process for a restart with the new GOP.
func (f *FFmpeg) SetKeyframeInterval(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if d != f.settings.KeyframeInterval {
		f.settings.KeyframeInterval = d
		f.dirty.Store(true)
	}
	return nil
}

func (f *FFmpeg) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.frames)
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}
