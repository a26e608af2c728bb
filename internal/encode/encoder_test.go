package encode

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskstream/internal/types"
)

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testP   = []byte{0x41, 0x9a, 0x02, 0x04}
)

var startCode = []byte{0, 0, 0, 1}

func avcc(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, byte(len(n)>>24), byte(len(n)>>16), byte(len(n)>>8), byte(len(n)))
		b = append(b, n...)
	}
	return b
}

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, startCode...)
		b = append(b, n...)
	}
	return b
}

// fakeSession delivers samples from Encode, either inline or from a
// separate goroutine to mimic a hardware callback thread.
type fakeSession struct {
	out   func(Sample)
	async bool

	mu       sync.Mutex
	frames   int
	forced   []bool
	bitrate  int
	interval time.Duration
	pending  sync.WaitGroup
	release  chan struct{}
	fail     error
	closed   bool
}

func (s *fakeSession) Name() string { return "fake" }

func (s *fakeSession) Encode(f *types.Frame, force bool) error {
	s.mu.Lock()
	if s.fail != nil {
		s.mu.Unlock()
		return s.fail
	}
	s.frames++
	n := s.frames
	s.forced = append(s.forced, force)
	s.mu.Unlock()

	key := force || n == 1
	sample := Sample{NALLengthSize: 4, Keyframe: key, PTS: f.PTS}
	if key {
		sample.Data = avcc(testIDR)
		sample.ParamSets = [][]byte{testSPS, testPPS}
	} else {
		sample.Data = avcc(testP)
	}

	if !s.async {
		s.out(sample)
		return nil
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if s.release != nil {
			<-s.release
		}
		s.out(sample)
	}()
	return nil
}

func (s *fakeSession) SetBitrate(bps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = bps
	return nil
}

func (s *fakeSession) SetKeyframeInterval(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	return nil
}

func (s *fakeSession) Close() error {
	if s.release != nil {
		close(s.release)
	}
	s.pending.Wait()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type recorder struct {
	mu    sync.Mutex
	units []types.EncodedUnit
}

func (r *recorder) emit(u types.EncodedUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, u)
}

func (r *recorder) all() []types.EncodedUnit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.EncodedUnit(nil), r.units...)
}

func newTestEncoder(t *testing.T, sess *fakeSession) (*Encoder, *recorder, *Settings) {
	t.Helper()
	rec := &recorder{}
	var got Settings
	enc := New(func(s Settings, out func(Sample)) (Session, error) {
		got = s
		sess.out = out
		return sess, nil
	}, DefaultOptions(), rec.emit)
	require.NoError(t, enc.Configure(640, 480))
	return enc, rec, &got
}

func frame() *types.Frame {
	return &types.Frame{Data: make([]byte, 16*16*4), Width: 16, Height: 16, Stride: 64}
}

func TestConfigureSettings(t *testing.T) {
	_, _, s := newTestEncoder(t, &fakeSession{})
	assert.Equal(t, 640, s.Width)
	assert.Equal(t, 480, s.Height)
	assert.Equal(t, 4*640*480, s.Bitrate)
	assert.Equal(t, time.Second, s.KeyframeInterval)
	assert.Equal(t, 60, s.KeyframeFrames())
	assert.InDelta(t, 0.8, s.Quality, 1e-9)
}

func TestConfigureFailure(t *testing.T) {
	enc := New(func(Settings, func(Sample)) (Session, error) {
		return nil, errors.New("no hardware")
	}, DefaultOptions(), func(types.EncodedUnit) {})
	err := enc.Configure(640, 480)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hardware")
	assert.ErrorIs(t, enc.Encode(frame(), false), ErrNotConfigured)
}

func TestKeyframePrecededByParamSets(t *testing.T) {
	enc, rec, _ := newTestEncoder(t, &fakeSession{})

	require.NoError(t, enc.Encode(frame(), false))
	require.NoError(t, enc.Encode(frame(), false))
	require.NoError(t, enc.Encode(frame(), true))

	units := rec.all()
	require.Len(t, units, 5)

	assert.Equal(t, types.UnitParamSets, units[0].Kind)
	assert.Equal(t, annexB(testSPS, testPPS), units[0].Data)
	assert.Equal(t, types.UnitSlices, units[1].Kind)
	assert.True(t, units[1].Keyframe)
	assert.Equal(t, annexB(testIDR), units[1].Data)

	assert.Equal(t, types.UnitSlices, units[2].Kind)
	assert.False(t, units[2].Keyframe)
	assert.Equal(t, annexB(testP), units[2].Data)

	assert.Equal(t, types.UnitParamSets, units[3].Kind)
	assert.True(t, units[4].Keyframe)
}

func TestEveryNALHasFourByteStartCode(t *testing.T) {
	units, err := Convert(Sample{Data: avcc(testIDR, testP), NALLengthSize: 4, Keyframe: true, ParamSets: [][]byte{testSPS, testPPS}})
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.True(t, bytes.HasPrefix(units[0].Data, startCode))
	assert.Equal(t, 2, bytes.Count(units[0].Data, startCode))
	assert.Equal(t, annexB(testIDR, testP), units[1].Data)
}

func TestConvertMovesInBandParamSets(t *testing.T) {
	aud := []byte{0x09, 0xf0}
	units, err := Convert(Sample{Data: avcc(aud, testSPS, testPPS, testIDR), NALLengthSize: 4})
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, types.UnitParamSets, units[0].Kind)
	assert.Equal(t, annexB(testSPS, testPPS), units[0].Data)
	assert.Equal(t, annexB(testIDR), units[1].Data)
	assert.True(t, units[1].Keyframe)
}

func TestConvertKeyframeWithoutParamSets(t *testing.T) {
	_, err := Convert(Sample{Data: avcc(testIDR), NALLengthSize: 4, Keyframe: true})
	assert.ErrorIs(t, err, ErrMalformedSample)
}

func TestSplitNALUsValidatesLengths(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		size int
	}{
		{"length past end", []byte{0, 0, 0, 9, 0x65, 0x88}, 4},
		{"truncated length field", append(avcc(testP), 0, 0), 4},
		{"zero length", []byte{0, 0, 0, 0}, 4},
		{"empty", nil, 4},
		{"bad size", avcc(testP), 3},
		{"huge length", []byte{0xff, 0xff, 0xff, 0xff, 0x65}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SplitNALUs(tt.buf, tt.size)
			assert.ErrorIs(t, err, ErrMalformedSample)
		})
	}
}

func TestSplitNALUsShortLengthFields(t *testing.T) {
	buf := []byte{0, 4}
	buf = append(buf, testP...)
	buf = append(buf, 0, 5)
	buf = append(buf, testIDR...)
	nalus, err := SplitNALUs(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{testP, testIDR}, nalus)

	nalus, err = SplitNALUs(append([]byte{4}, testP...), 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{testP}, nalus)
}

func TestMalformedSampleDropsOnlyThatFrame(t *testing.T) {
	sess := &fakeSession{}
	enc, rec, _ := newTestEncoder(t, sess)

	sess.out(Sample{Data: []byte{0, 0, 0, 50, 1, 2}, NALLengthSize: 4})
	require.NoError(t, enc.Encode(frame(), true))

	units := rec.all()
	require.Len(t, units, 2)
	assert.Equal(t, types.UnitParamSets, units[0].Kind)
	assert.Equal(t, uint64(1), enc.Stats().Malformed)
}

func TestEncodeFailureCounted(t *testing.T) {
	sess := &fakeSession{}
	enc, rec, _ := newTestEncoder(t, sess)
	sess.fail = errors.New("busy")

	assert.Error(t, enc.Encode(frame(), false))
	assert.Empty(t, rec.all())
	assert.Equal(t, uint64(1), enc.Stats().Failed)
}

func TestBackendDropCounted(t *testing.T) {
	sess := &fakeSession{}
	enc, rec, _ := newTestEncoder(t, sess)

	sess.out(Sample{Err: errors.New("frame dropped")})
	assert.Empty(t, rec.all())
	assert.Equal(t, uint64(1), enc.Stats().Failed)
	assert.Zero(t, enc.Stats().Samples)

	require.NoError(t, enc.Encode(frame(), true))
	assert.Len(t, rec.all(), 2)
}

func TestCloseDiscardsInFlightOutput(t *testing.T) {
	sess := &fakeSession{async: true, release: make(chan struct{})}
	enc, rec, _ := newTestEncoder(t, sess)

	for i := 0; i < 5; i++ {
		require.NoError(t, enc.Encode(frame(), false))
	}
	require.NoError(t, enc.Close())

	assert.Empty(t, rec.all())
	assert.Equal(t, uint64(5), enc.Stats().Discarded)
	assert.True(t, sess.closed)
	assert.ErrorIs(t, enc.Encode(frame(), false), ErrClosed)
	assert.NoError(t, enc.Close())
}

func TestLiveSettings(t *testing.T) {
	sess := &fakeSession{}
	enc, _, _ := newTestEncoder(t, sess)

	require.NoError(t, enc.SetBitrate(2_000_000))
	assert.Equal(t, 2_000_000, sess.bitrate)
	assert.Equal(t, 2_000_000, enc.Settings().Bitrate)

	require.NoError(t, enc.SetKeyframeInterval(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, sess.interval)

	sess.interval = 0
	require.NoError(t, enc.SetKeyframeInterval(250*time.Millisecond))
	assert.Zero(t, sess.interval, "unchanged interval is not re-applied")
}
