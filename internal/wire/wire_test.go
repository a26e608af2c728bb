package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeader(t *testing.T) {
	got := Frame([]byte{0xAA, 0xBB, 0xCC})
	assert.Equal(t, []byte{0, 0, 0, 3, 0xAA, 0xBB, 0xCC}, got)

	got = Frame(nil)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one")))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	p, err := ReadFrame(&buf, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, "one", string(p))

	p, err = ReadFrame(&buf, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, "second", string(p))

	_, err = ReadFrame(&buf, DefaultMaxPayload)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameOversizeStaysAligned(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Frame(bytes.Repeat([]byte{0x55}, 64)))
	buf.Write(Frame([]byte("ok")))

	_, err := ReadFrame(&buf, 16)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	p, err := ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(p))
}

func TestReadFrameTruncated(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 10, 1, 2})
	_, err := ReadFrame(r, DefaultMaxPayload)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
