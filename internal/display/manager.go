// Package display creates the off-screen surface the engine streams. At
// most one display is active per Manager.
package display

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deskstream/internal/logging"
	"deskstream/internal/types"
)

var (
	ErrDisplayActive = errors.New("display: a virtual display is already active")
	ErrNoDisplay     = errors.New("display: no active display")
)

// Backend allocates a platform display.
type Backend interface {
	Create(res types.Resolution) (types.DisplayHandle, error)
	Destroy(h types.DisplayHandle) error
}

type Manager struct {
	backend Backend
	log     *logrus.Entry

	mu     sync.Mutex
	active *types.DisplayHandle
}

func NewManager(b Backend) *Manager {
	return &Manager{backend: b, log: logging.For("display")}
}

// Create allocates and registers a display at res.
func (m *Manager) Create(res types.Resolution) (types.DisplayHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return types.DisplayHandle{}, errors.Wrapf(ErrDisplayActive, "display %d", m.active.ID)
	}
	if res.Width <= 0 || res.Height <= 0 {
		return types.DisplayHandle{}, errors.Errorf("display: invalid resolution %s", res)
	}
	h, err := m.backend.Create(res)
	if err != nil {
		return types.DisplayHandle{}, errors.Wrapf(err, "create %s display", res)
	}
	m.active = &h
	m.log.Infof("virtual display %d (%s) ready at %s, origin (%.0f,%.0f)",
		h.ID, h.Name, h.Resolution, h.Origin.X, h.Origin.Y)
	return h, nil
}

// Destroy unregisters the active display.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNoDisplay
	}
	h := *m.active
	m.active = nil
	if err := m.backend.Destroy(h); err != nil {
		return errors.Wrapf(err, "destroy display %d", h.ID)
	}
	m.log.Infof("virtual display %d destroyed", h.ID)
	return nil
}

// Active returns the current display, if any.
func (m *Manager) Active() (types.DisplayHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return types.DisplayHandle{}, false
	}
	return *m.active, true
}
