package keyframe

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskstream/internal/dedup"
	"deskstream/internal/types"
)

func grey(w, h int, v byte) *types.Frame {
	data := bytes.Repeat([]byte{v, v, v, 0xFF}, w*h)
	return &types.Frame{Data: data, Width: w, Height: h, Stride: w * 4}
}

func TestSignalCollapses(t *testing.T) {
	var s Signal
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Notify()
		}()
	}
	wg.Wait()

	assert.True(t, s.Take())
	assert.False(t, s.Take())
}

func TestApplyWithoutKeyLeavesFrame(t *testing.T) {
	f := NewForcer(DefaultOptions())
	fr := grey(64, 64, 40)
	orig := append([]byte(nil), fr.Data...)

	assert.False(t, f.Apply(fr))
	assert.Equal(t, orig, fr.Data)
	assert.Zero(t, f.Forced())
}

func TestApplyPerturbsAndAlternates(t *testing.T) {
	f := NewForcer(DefaultOptions())

	a := grey(64, 64, 40)
	f.Notify()
	require.True(t, f.Apply(a))

	b := grey(64, 64, 40)
	f.Notify()
	require.True(t, f.Apply(b))

	assert.NotEqual(t, a.Data, b.Data)
	assert.NotEqual(t, dedup.Checksum(a, 10), dedup.Checksum(b, 10))
	assert.NotEqual(t, dedup.Checksum(grey(64, 64, 40), 10), dedup.Checksum(a, 10))
	assert.Equal(t, uint64(2), f.Forced())
}

func TestPerturbMovesAwayFromExtremes(t *testing.T) {
	dark := grey(8, 8, 0)
	Perturb(dark, 4, 0.02, false)
	assert.Equal(t, byte(3), dark.Data[0])
	assert.Equal(t, byte(0xFF), dark.Data[3], "alpha channel untouched")
	assert.Equal(t, byte(0), dark.Data[4*4], "outside the patch")

	bright := grey(8, 8, 255)
	Perturb(bright, 4, 0.02, true)
	last := (7*8 + 7) * 4
	assert.Equal(t, byte(252), bright.Data[last])
	assert.Equal(t, byte(255), bright.Data[0])
}

func TestDeltaHasFloorOfOne(t *testing.T) {
	assert.Equal(t, 1, Delta(0.0001))
	assert.Equal(t, 3, Delta(0.02))
	assert.Equal(t, 128, Delta(1))
}

func TestPerturbClampsPatchToFrame(t *testing.T) {
	fr := grey(4, 2, 100)
	assert.NotPanics(t, func() { Perturb(fr, 16, 0.5, true) })
	// Patch shrinks to 2x2 anchored at the bottom-right.
	assert.Equal(t, byte(100+64), fr.Data[(1*4+3)*4])
	assert.Equal(t, byte(100+64), fr.Data[(0*4+2)*4])
	assert.Equal(t, byte(100), fr.Data[0])
}

func TestIntervalShortensDuringHold(t *testing.T) {
	now := time.Unix(1000, 0)
	f := NewForcer(Options{PatchSize: 4, Alpha: 0.1, ShortInterval: 250 * time.Millisecond, Hold: 2 * time.Second})
	f.now = func() time.Time { return now }

	assert.Equal(t, time.Second, f.Interval(time.Second))

	f.Notify()
	f.Apply(grey(16, 16, 10))
	assert.Equal(t, 250*time.Millisecond, f.Interval(time.Second))

	now = now.Add(2100 * time.Millisecond)
	assert.Equal(t, time.Second, f.Interval(time.Second))
}
