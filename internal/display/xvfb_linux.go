//go:build linux

package display

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jezek/xgb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deskstream/internal/logging"
	"deskstream/internal/types"
)

const xvfbReadyTimeout = 10 * time.Second

// Xvfb runs a private Xvfb server per display. Clients in this process
// authenticate through XAUTHORITY, which Create points at the server's
// cookie file.
type Xvfb struct {
	Path string
	log  *logrus.Entry

	cmd    *exec.Cmd
	tmpDir string
	num    int
}

func NewXvfb(path string) *Xvfb {
	if path == "" {
		path = "Xvfb"
	}
	return &Xvfb{Path: path, log: logging.For("xvfb")}
}

func (x *Xvfb) Create(res types.Resolution) (types.DisplayHandle, error) {
	if x.cmd != nil {
		return types.DisplayHandle{}, ErrDisplayActive
	}
	cleanStaleLocks(x.log)

	num := findAvailableDisplay()
	name := ":" + strconv.Itoa(num)

	tmpDir, err := os.MkdirTemp("", "deskstream-x-*")
	if err != nil {
		return types.DisplayHandle{}, errors.Wrap(err, "create temp dir")
	}
	xauth := filepath.Join(tmpDir, "Xauthority")
	cookie, err := generateCookie()
	if err != nil {
		os.RemoveAll(tmpDir)
		return types.DisplayHandle{}, err
	}
	if out, err := exec.Command("xauth", "-f", xauth, "add", name, "MIT-MAGIC-COOKIE-1", cookie).CombinedOutput(); err != nil {
		os.RemoveAll(tmpDir)
		return types.DisplayHandle{}, errors.Wrapf(err, "xauth add: %s", out)
	}

	args := []string{
		name,
		"-screen", "0", fmt.Sprintf("%dx%dx24", res.Width, res.Height),
		"-auth", xauth,
		"-nolisten", "tcp",
		"-noreset",
	}
	x.log.Infof("starting Xvfb on %s (%s)", name, res)
	cmd := exec.Command(x.Path, args...)
	logFile, err := os.Create(filepath.Join(tmpDir, "xvfb.log"))
	if err != nil {
		os.RemoveAll(tmpDir)
		return types.DisplayHandle{}, errors.Wrap(err, "create xvfb log")
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:    true,
		Pdeathsig: syscall.SIGTERM,
	}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		os.RemoveAll(tmpDir)
		return types.DisplayHandle{}, errors.Wrap(err, "start Xvfb")
	}
	logFile.Close()

	x.cmd = cmd
	x.tmpDir = tmpDir
	x.num = num
	os.Setenv("XAUTHORITY", xauth)

	if err := x.waitReady(name, xvfbReadyTimeout); err != nil {
		x.stop()
		return types.DisplayHandle{}, errors.Wrap(err, "Xvfb not ready")
	}
	return types.DisplayHandle{
		ID:         uint32(num),
		Name:       name,
		Resolution: res,
	}, nil
}

func (x *Xvfb) Destroy(types.DisplayHandle) error {
	if x.cmd == nil {
		return ErrNoDisplay
	}
	x.stop()
	return nil
}

func (x *Xvfb) stop() {
	if x.cmd.Process != nil {
		x.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan error, 1)
		go func() { done <- x.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			x.log.Warn("Xvfb did not exit, killing")
			x.cmd.Process.Kill()
			<-done
		}
	}
	os.Remove(fmt.Sprintf("/tmp/.X%d-lock", x.num))
	os.Remove(fmt.Sprintf("/tmp/.X11-unix/X%d", x.num))
	if x.tmpDir != "" {
		os.RemoveAll(x.tmpDir)
	}
	x.cmd = nil
	x.tmpDir = ""
}

// waitReady polls until an X connection succeeds.
func (x *Xvfb) waitReady(name string, timeout time.Duration) error {
	socket := fmt.Sprintf("/tmp/.X11-unix/X%d", x.num)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if x.cmd.ProcessState != nil {
			break
		}
		if _, err := os.Stat(socket); err == nil {
			if conn, err := xgb.NewConnDisplay(name); err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if data, err := os.ReadFile(filepath.Join(x.tmpDir, "xvfb.log")); err == nil && len(data) > 0 {
		x.log.Warnf("--- Xvfb log ---\n%s--- end Xvfb log ---", data)
	}
	return errors.Errorf("timeout waiting for X server on %s", name)
}

func findAvailableDisplay() int {
	for i := 1; i <= 99; i++ {
		_, sockErr := os.Stat(fmt.Sprintf("/tmp/.X11-unix/X%d", i))
		_, lockErr := os.Stat(fmt.Sprintf("/tmp/.X%d-lock", i))
		if os.IsNotExist(sockErr) && os.IsNotExist(lockErr) {
			return i
		}
	}
	return 99
}

// cleanStaleLocks removes lock files and sockets whose server is gone.
func cleanStaleLocks(log *logrus.Entry) {
	for i := 1; i <= 99; i++ {
		lock := fmt.Sprintf("/tmp/.X%d-lock", i)
		data, err := os.ReadFile(lock)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, 0); err != nil {
			log.Infof("removing stale X lock file for display :%d (pid %d)", i, pid)
			os.Remove(lock)
			os.Remove(fmt.Sprintf("/tmp/.X11-unix/X%d", i))
		}
	}
}

func generateCookie() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate xauth cookie")
	}
	return hex.EncodeToString(buf), nil
}
