package display

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskstream/internal/types"
)

type fakeBackend struct {
	next      uint32
	destroyed []uint32
	fail      error
}

func (b *fakeBackend) Create(res types.Resolution) (types.DisplayHandle, error) {
	if b.fail != nil {
		return types.DisplayHandle{}, b.fail
	}
	b.next++
	return types.DisplayHandle{ID: b.next, Resolution: res, Origin: types.Point{X: 100, Y: 200}}, nil
}

func (b *fakeBackend) Destroy(h types.DisplayHandle) error {
	b.destroyed = append(b.destroyed, h.ID)
	return nil
}

func TestSecondCreateFails(t *testing.T) {
	m := NewManager(&fakeBackend{})
	res := types.Resolution{Width: 1280, Height: 720}

	h, err := m.Create(res)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h.ID)
	assert.Equal(t, res, h.Resolution)

	_, err = m.Create(res)
	assert.True(t, errors.Is(err, ErrDisplayActive))

	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, h, active)
}

func TestDestroyThenCreate(t *testing.T) {
	b := &fakeBackend{}
	m := NewManager(b)
	res := types.Resolution{Width: 800, Height: 600}

	_, err := m.Create(res)
	require.NoError(t, err)
	require.NoError(t, m.Destroy())
	assert.Equal(t, []uint32{1}, b.destroyed)

	_, ok := m.Active()
	assert.False(t, ok)
	assert.ErrorIs(t, m.Destroy(), ErrNoDisplay)

	h, err := m.Create(res)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.ID)
}

func TestCreateFailureLeavesNoDisplay(t *testing.T) {
	m := NewManager(&fakeBackend{fail: errors.New("denied")})
	_, err := m.Create(types.Resolution{Width: 640, Height: 480})
	require.Error(t, err)
	_, ok := m.Active()
	assert.False(t, ok)
}

func TestCreateRejectsEmptyResolution(t *testing.T) {
	m := NewManager(&fakeBackend{})
	_, err := m.Create(types.Resolution{})
	assert.Error(t, err)
}
