// Package logging configures the process logger and hands out
// per-component entries.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	mu   sync.RWMutex
	root = newRoot(os.Stderr, logrus.InfoLevel)
)

func newRoot(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return l
}

// Setup configures the process-wide logger. An unknown level falls back to
// info; verbose forces debug.
func Setup(w io.Writer, level string, verbose bool) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if verbose {
		lvl = logrus.DebugLevel
	}
	mu.Lock()
	root = newRoot(w, lvl)
	mu.Unlock()
}

// Root returns the process logger.
func Root() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// For returns a logger tagged with the component name.
func For(component string) *logrus.Entry {
	return Root().WithField("component", component)
}

// Throttle returns a limiter that lets the first few events through and
// then one per interval. Used for per-frame failure logging.
func Throttle() *rate.Sometimes {
	return &rate.Sometimes{First: 5, Interval: 5 * time.Second}
}
